package webstream

import (
	"context"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"nuha.dev/busrelay/internal/conn"
)

// serveDriver reads fixes until the transport fails. Messages that do not
// parse or validate are dropped without a reply. On shutdown the driver gets
// a going away close frame.
func (ws *WebstreamServer) serveDriver(c *websocket.Conn, info *conn.Info) error {
	c.SetReadLimit(ws.config.ReadLimit)
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ws.ctx.Done():
			c.Close(websocket.StatusGoingAway, errShutdown.Error())
		case <-done:
		}
	}()

	for {
		_, msg, err := c.Read(context.Background())
		if err != nil {
			return err
		}
		tread := time.Now()
		f, err := ws.parser.Parse(msg, tread)
		if err != nil {
			atomic.AddUint64(&ws.discarded, 1)
			ws.log.Debug().Str("event", FIX_DISCARDED).EmbedObject(info).Err(err).Msg("")
			continue
		}
		atomic.AddUint64(&ws.accepted, 1)
		ws.log.Trace().EmbedObject(info).Str("vehicle_id", f.ID).RawJSON("fix", f.Payload()).Msg("fix received")
		ws.sublist.Publish(f)
	}
}
