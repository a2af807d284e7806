package wc

import (
	"bufio"
	"net"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"
)

// Conn wraps a tunnelled stream so it reports the address of the original
// peer instead of the tunnel endpoint. Bytes already buffered by reader are
// returned before the rest of the stream.
type Conn struct {
	byte_in  uint64
	byte_out uint64
	closed   uint32
	reader   *bufio.Reader
	conn     net.Conn
	raddr    Addr
	cid      uint64
	created  time.Time
	log      log.Logger
}

// Addr is a peer address received as text over the tunnel.
type Addr string

func (a Addr) Network() string { return "tcp" }
func (a Addr) String() string  { return string(a) }

func NewWrappedConn(conn net.Conn, reader *bufio.Reader, raddr string, cid uint64) *Conn {
	o := &Conn{reader: reader, conn: conn, raddr: Addr(raddr), cid: cid}
	if o.reader == nil {
		o.reader = bufio.NewReader(conn)
	}
	o.created = time.Now()
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "wconn").Value()
	o.log.Debug().Str("remote_address", raddr).Uint64("cid", o.cid).Msg("connection created")
	return o
}

func (c *Conn) Read(b []byte) (int, error) {
	n, err := c.reader.Read(b)
	atomic.AddUint64(&c.byte_in, uint64(n))
	return n, err
}

func (c *Conn) Write(d []byte) (int, error) {
	n, err := c.conn.Write(d)
	atomic.AddUint64(&c.byte_out, uint64(n))
	return n, err
}

func (c *Conn) Close() error {
	if !atomic.CompareAndSwapUint32(&c.closed, 0, 1) {
		return nil
	}
	err := c.conn.Close()
	c.log.Debug().Uint64("byte_in", atomic.LoadUint64(&c.byte_in)).Uint64("byte_out", atomic.LoadUint64(&c.byte_out)).Uint64("cid", c.cid).Msg("connection closed")
	return err
}

func (c *Conn) Stat() (byte_in uint64, byte_out uint64) {
	return atomic.LoadUint64(&c.byte_in), atomic.LoadUint64(&c.byte_out)
}

func (c *Conn) Cid() uint64 {
	return c.cid
}

func (c *Conn) Closed() bool {
	return atomic.LoadUint32(&c.closed) == 1
}

func (c *Conn) Created() time.Time {
	return c.created
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.raddr
}

func (c *Conn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *Conn) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}
