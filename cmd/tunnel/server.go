package main

import (
	"bufio"
	"crypto/subtle"
	"crypto/tls"
	"flag"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	yamux "github.com/hashicorp/yamux"
	"github.com/phuslu/log"
)

var eaddr = flag.String("eaddr", ":8080", "address for external connection")
var taddr = flag.String("taddr", ":5556", "address for tunnel connection")
var secret = flag.String("token", "token", "token for tunnel auth connection")
var certfile = flag.String("cert", "", "tls certificate file")
var keyfile = flag.String("key", "", "tls key file ")

var logger log.Logger

// The edge owns the public port. A relay behind NAT dials in on taddr and
// every external connection is forwarded to it as a yamux stream prefixed
// with the external peer address.
func main() {
	flag.Parse()
	logger = log.DefaultLogger
	logger.Context = log.NewContext(nil).Str("module", "tunnel-edge").Value()
	logger.Info().Msgf("using external addr %s and tunnel addr %s", *eaddr, *taddr)

	var ylistener net.Listener
	var err error
	if *certfile == "" && *keyfile == "" {
		logger.Info().Msg("starting non-tls listener")
		ylistener, err = net.Listen("tcp", *taddr)
	} else {
		logger.Info().Msg("starting tls listener")
		var cert tls.Certificate
		cert, err = tls.LoadX509KeyPair(*certfile, *keyfile)
		if err == nil {
			ylistener, err = tls.Listen("tcp", *taddr, &tls.Config{Certificates: []tls.Certificate{cert}})
		}
	}
	if err != nil {
		logger.Fatal().Err(err).Msg("unable to open tunnel listener")
	}

	for {
		yconn, err := ylistener.Accept()
		if err != nil {
			logger.Error().Err(err).Msg("")
			continue
		}
		logger.Info().Str("remote_addr", yconn.RemoteAddr().String()).Msg("accepting tunnel connection")
		session, err := authenticate(yconn)
		if err != nil {
			logger.Warn().Err(err).Str("remote_addr", yconn.RemoteAddr().String()).Msg("tunnel refused")
			yconn.Close()
			continue
		}
		runServer(session)
		time.Sleep(2 * time.Second)
		logger.Info().Msg("waiting for the next tunnel")
	}
}

func authenticate(yconn net.Conn) (*yamux.Session, error) {
	yconn.SetDeadline(time.Now().Add(10 * time.Second))
	line, err := bufio.NewReaderSize(yconn, 256).ReadString('\n')
	if err != nil {
		return nil, err
	}
	token := strings.TrimSuffix(line, "\n")
	if subtle.ConstantTimeCompare([]byte(token), []byte(*secret)) != 1 {
		yconn.Write([]byte{'-'})
		return nil, fmt.Errorf("bad token")
	}
	if _, err := yconn.Write([]byte{'+'}); err != nil {
		return nil, err
	}
	yconn.SetDeadline(time.Time{})
	return yamux.Server(yconn, nil)
}

// runServer forwards external connections until the session dies.
func runServer(session *yamux.Session) {
	listener, err := net.Listen("tcp", *eaddr)
	if err != nil {
		logger.Error().Err(err).Msg("unable to open external listener")
		session.Close()
		return
	}
	go func() {
		<-session.CloseChan()
		logger.Info().Msg("session is closed, closing external listener")
		listener.Close()
	}()
	for {
		conn, err := listener.Accept()
		if err != nil {
			logger.Info().Err(err).Msg("external listener closed")
			return
		}
		logger.Debug().Str("remote_addr", conn.RemoteAddr().String()).Msg("new connection")
		go func() {
			forward(session, conn)
			conn.Close()
		}()
	}
}

func forward(session *yamux.Session, conn net.Conn) {
	tstream, err := session.OpenStream()
	if err != nil {
		logger.Error().Err(err).Msg("error trying to open stream")
		return
	}
	c := make(chan error, 1)
	go func() {
		fmt.Fprintf(tstream, "%s\n", conn.RemoteAddr())
		_, err := io.Copy(tstream, conn)
		if err != nil {
			logger.Debug().Err(err).Uint32("stream", tstream.StreamID()).Msg("copy to stream ended")
		}
		tstream.Close()
		c <- err
	}()
	_, err = io.Copy(conn, tstream)
	if err != nil {
		logger.Debug().Err(err).Uint32("stream", tstream.StreamID()).Msg("copy from stream ended")
	}
	conn.Close()
	<-c
}
