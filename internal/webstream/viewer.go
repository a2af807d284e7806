package webstream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/phuslu/log"
	"nhooyr.io/websocket"

	"nuha.dev/busrelay/internal/conn"
)

var (
	errSlowConsumer = errors.New("slow consumer")
	errShutdown     = errors.New("server shutting down")
)

// WebstreamClient is one viewer. The sublist hands it payloads through
// Onboard and Push, writeLoop drains them to the socket.
type WebstreamClient struct {
	pushed  uint64
	skipped uint64
	closed  uint32

	lock    sync.Mutex
	srv     *WebstreamServer
	c       *websocket.Conn
	info    *conn.Info
	log     log.Logger
	err     error
	done    chan struct{}
	backlog [][]byte
	queue   chan []byte
}

func (ws *WebstreamServer) newClient(c *websocket.Conn, info *conn.Info) *WebstreamClient {
	return &WebstreamClient{
		srv:   ws,
		c:     c,
		info:  info,
		log:   ws.log,
		done:  make(chan struct{}),
		queue: make(chan []byte, ws.config.ViewerQueue),
	}
}

// serveViewer runs until the viewer leaves, falls behind or the server shuts
// down. The close frame is written before the read side is torn down so the
// viewer learns why it was dropped.
func (ws *WebstreamServer) serveViewer(c *websocket.Conn, info *conn.Info) error {
	wc := ws.newClient(c, info)
	c.SetReadLimit(1024)
	rctx, rcancel := context.WithCancel(context.Background())
	defer rcancel()

	ws.sublist.Subscribe(wc)
	// backlog is only touched by writeLoop from here on
	read_done := make(chan struct{})
	go func() {
		wc.readLoop(rctx)
		close(read_done)
	}()
	wc.writeLoop()
	ws.sublist.Unsubscribe(wc)

	err := wc.Err()
	switch {
	case errors.Is(err, errSlowConsumer):
		wc.log.Warn().EmbedObject(info).Uint64("pushed", atomic.LoadUint64(&wc.pushed)).Msg("closing slow viewer")
		c.Close(websocket.StatusPolicyViolation, errSlowConsumer.Error())
	case errors.Is(err, errShutdown):
		c.Close(websocket.StatusGoingAway, errShutdown.Error())
	default:
		c.Close(websocket.StatusNormalClosure, "")
	}
	rcancel()
	<-read_done
	return err
}

func (wc *WebstreamClient) Onboard(backlog [][]byte) {
	wc.backlog = backlog
}

func (wc *WebstreamClient) Push(data []byte) bool {
	if atomic.LoadUint32(&wc.closed) == 1 {
		return true
	}
	select {
	case wc.queue <- data:
		atomic.AddUint64(&wc.pushed, 1)
		return false
	default:
		atomic.AddUint64(&wc.skipped, 1)
		wc.closeErr(errSlowConsumer)
		return true
	}
}

func (wc *WebstreamClient) Err() error {
	wc.lock.Lock()
	defer wc.lock.Unlock()
	return wc.err
}

// closeErr records the first reason the viewer is ending and stops writeLoop.
// It never touches the connection itself.
func (wc *WebstreamClient) closeErr(err error) {
	wc.lock.Lock()
	defer wc.lock.Unlock()
	if wc.err != nil {
		return
	}
	wc.err = err
	atomic.StoreUint32(&wc.closed, 1)
	close(wc.done)
}

// readLoop only watches for the peer going away. Viewer messages are ignored.
func (wc *WebstreamClient) readLoop(ctx context.Context) {
	for {
		_, _, err := wc.c.Read(ctx)
		if err != nil {
			wc.closeErr(err)
			return
		}
	}
}

func (wc *WebstreamClient) writeLoop() {
	for _, d := range wc.backlog {
		if !wc.send(d) {
			return
		}
	}
	wc.backlog = nil
	for {
		select {
		case <-wc.done:
			return
		case <-wc.srv.ctx.Done():
			wc.closeErr(errShutdown)
			return
		case d := <-wc.queue:
			if !wc.send(d) {
				return
			}
		}
	}
}

// send writes one payload and reports whether the loop should go on.
func (wc *WebstreamClient) send(d []byte) bool {
	select {
	case <-wc.done:
		return false
	case <-wc.srv.ctx.Done():
		wc.closeErr(errShutdown)
		return false
	default:
	}
	ctx, cancel := context.WithTimeout(context.Background(), wc.srv.config.WriteTimeout)
	defer cancel()
	if err := wc.c.Write(ctx, websocket.MessageText, d); err != nil {
		wc.closeErr(err)
		return false
	}
	return true
}
