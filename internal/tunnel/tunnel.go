package tunnel

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	yamux "github.com/hashicorp/yamux"
	"github.com/phuslu/log"

	"nuha.dev/busrelay/internal/util/wc"
)

const (
	TUNNEL_ACCEPTED string = "tunnel_accepted"
	TUNNEL_REJECTED string = "tunnel_rejected"
	TUNNEL_CLOSED   string = "tunnel_closed"
)

var ErrRejected = errors.New("tunnel: token rejected")

type TunnelConfig struct {
	Addr             string
	Token            string
	Retry            time.Duration
	HandshakeTimeout time.Duration
}

// Tunnel keeps a yamux session open to an edge server and serves every
// stream the edge opens as if it had been accepted locally.
type Tunnel struct {
	cid_counter uint64
	config      TunnelConfig
	log         log.Logger
	serve       func(net.Listener) error
}

func NewTunnel(config TunnelConfig, serve func(net.Listener) error) *Tunnel {
	t := &Tunnel{config: config, serve: serve}
	if t.config.Retry <= 0 {
		t.config.Retry = 5 * time.Second
	}
	if t.config.HandshakeTimeout <= 0 {
		t.config.HandshakeTimeout = 10 * time.Second
	}
	t.log = log.DefaultLogger
	t.log.Context = log.NewContext(nil).Str("module", "tunnel").Value()
	return t
}

// Run redials the edge until ctx is done. A session that lasted a while is
// retried quickly, a failing one waits for the retry interval.
func (t *Tunnel) Run(ctx context.Context) {
	for {
		t0 := time.Now()
		err := t.runLoop(ctx)
		if ctx.Err() != nil {
			return
		}
		t.log.Info().Str("event", TUNNEL_CLOSED).Err(err).Msg("")
		wait := t.config.Retry
		if time.Since(t0) > 10*time.Second {
			wait = time.Second
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (t *Tunnel) runLoop(ctx context.Context) error {
	t.log.Info().Msgf("dialling tunnel %s", t.config.Addr)
	var d net.Dialer
	yconn, err := d.DialContext(ctx, "tcp", t.config.Addr)
	if err != nil {
		return err
	}
	session, err := t.handshake(yconn)
	if err != nil {
		yconn.Close()
		return err
	}
	defer session.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			session.Close()
		case <-stop:
		}
	}()
	return t.serve(t.newListener(session))
}

func (t *Tunnel) handshake(yconn net.Conn) (*yamux.Session, error) {
	yconn.SetDeadline(time.Now().Add(t.config.HandshakeTimeout))
	if _, err := yconn.Write([]byte(t.config.Token + "\n")); err != nil {
		return nil, err
	}
	status := []byte{0}
	if _, err := yconn.Read(status); err != nil {
		return nil, err
	}
	if status[0] != '+' {
		t.log.Error().Str("event", TUNNEL_REJECTED).Str("addr", t.config.Addr).Msg("")
		return nil, ErrRejected
	}
	yconn.SetDeadline(time.Time{})
	t.log.Info().Str("event", TUNNEL_ACCEPTED).Str("addr", t.config.Addr).Msg("")
	return yamux.Client(yconn, nil)
}

type listener struct {
	t       *Tunnel
	session *yamux.Session
	conns   chan net.Conn
	once    sync.Once
}

func (t *Tunnel) newListener(session *yamux.Session) *listener {
	l := &listener{t: t, session: session, conns: make(chan net.Conn)}
	go l.acceptLoop()
	return l
}

func (l *listener) acceptLoop() {
	for {
		stream, err := l.session.Accept()
		if err != nil {
			return
		}
		cid := atomic.AddUint64(&l.t.cid_counter, 1)
		go func() {
			stream.SetReadDeadline(time.Now().Add(l.t.config.HandshakeTimeout))
			r := bufio.NewReader(stream)
			raddr, err := r.ReadString('\n')
			if err != nil {
				l.t.log.Error().Err(err).Uint64("cid", cid).Msg("unable to read stream header")
				stream.Close()
				return
			}
			stream.SetReadDeadline(time.Time{})
			c := wc.NewWrappedConn(stream, r, strings.TrimSpace(raddr), cid)
			select {
			case l.conns <- c:
			case <-l.session.CloseChan():
				c.Close()
			}
		}()
	}
}

func (l *listener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.session.CloseChan():
		return nil, net.ErrClosed
	}
}

func (l *listener) Close() error {
	var err error
	l.once.Do(func() { err = l.session.Close() })
	return err
}

func (l *listener) Addr() net.Addr {
	return l.session.LocalAddr()
}
