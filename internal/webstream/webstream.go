package webstream

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"
	"nhooyr.io/websocket"

	"nuha.dev/busrelay/internal/conn"
	"nuha.dev/busrelay/internal/fix"
	"nuha.dev/busrelay/internal/sublist"
	"nuha.dev/busrelay/internal/util"
)

const (
	NEW_CONNECTION    string = "new_connection"
	CONNECTION_CLOSED string = "connection_closed"
	UPGRADE_ERROR     string = "upgrade_error"
	UPGRADE_REJECTED  string = "upgrade_rejected"
	FIX_DISCARDED     string = "fix_discarded"
)

type WebStreamConfig struct {
	DriverPath   string
	ViewerPath   string
	IdFields     []string
	ReadLimit    int64
	ViewerQueue  int
	WriteTimeout time.Duration
}

// WebstreamServer routes websocket upgrades to the driver or viewer handler
// by request path. It is an http.Handler for both paths.
type WebstreamServer struct {
	drivers   int64
	viewers   int64
	accepted  uint64
	discarded uint64
	rejected  uint64

	log     log.Logger
	config  WebStreamConfig
	sublist *sublist.Sublist
	parser  *fix.Parser
	ctx     context.Context
	cancel  context.CancelFunc
}

type Stat struct {
	Drivers        int64  `json:"drivers"`
	Viewers        int64  `json:"viewers"`
	FixesAccepted  uint64 `json:"fixes_accepted"`
	FixesDiscarded uint64 `json:"fixes_discarded"`
	Rejected       uint64 `json:"upgrades_rejected"`
}

func NewWebstream(sl *sublist.Sublist, config WebStreamConfig) *WebstreamServer {
	o := &WebstreamServer{config: config}
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "websocket").Value()
	o.sublist = sl
	o.parser = fix.NewParser(config.IdFields)
	o.ctx, o.cancel = context.WithCancel(context.Background())
	return o
}

// Route classifies a request target as sent on the request line, query
// included. The second result is false for anything that is not exactly the
// driver or the viewer endpoint.
func (ws *WebstreamServer) Route(target string) (conn.Role, bool) {
	switch target {
	case ws.config.DriverPath:
		return conn.RoleDriver, true
	case ws.config.ViewerPath:
		return conn.RoleViewer, true
	default:
		return "", false
	}
}

func (ws *WebstreamServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	role, ok := ws.Route(r.URL.RequestURI())
	if !ok {
		ws.reject(w, r)
		return
	}
	info := conn.NewInfo(role, r)
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		ws.log.Error().Err(err).Str("event", UPGRADE_ERROR).EmbedObject(info).Msg("error while upgrading websocket")
		return
	}
	ws.log.Info().Str("event", NEW_CONNECTION).EmbedObject(info).Msg("")

	switch role {
	case conn.RoleDriver:
		atomic.AddInt64(&ws.drivers, 1)
		err = ws.serveDriver(c, info)
		atomic.AddInt64(&ws.drivers, -1)
	case conn.RoleViewer:
		atomic.AddInt64(&ws.viewers, 1)
		err = ws.serveViewer(c, info)
		atomic.AddInt64(&ws.viewers, -1)
	}
	ws.logClose(info, err)
}

// RejectStray closes the transport of any upgrade request aimed at a target
// other than the driver or viewer endpoint. Other requests pass through.
func (ws *WebstreamServer) RejectStray(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := ws.Route(r.URL.RequestURI()); !ok && util.IsUpgrade(r) {
			ws.reject(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (ws *WebstreamServer) reject(w http.ResponseWriter, r *http.Request) {
	atomic.AddUint64(&ws.rejected, 1)
	ws.log.Info().Str("event", UPGRADE_REJECTED).Str("path", r.URL.Path).Str("remote_addr", r.RemoteAddr).Msg("")
	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}
	c, _, err := hj.Hijack()
	if err != nil {
		ws.log.Error().Err(err).Msg("unable to hijack rejected connection")
		return
	}
	c.Close()
}

func (ws *WebstreamServer) logClose(info *conn.Info, err error) {
	status := websocket.CloseStatus(err)
	switch {
	case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway:
		ws.log.Info().Str("event", CONNECTION_CLOSED).EmbedObject(info).Int("status", int(status)).Msg("")
	case ws.ctx.Err() != nil:
		ws.log.Info().Str("event", CONNECTION_CLOSED).EmbedObject(info).Msg("server shutting down")
	default:
		ws.log.Info().Str("event", CONNECTION_CLOSED).EmbedObject(info).Err(err).Msg("")
	}
}

// Shutdown ends every open driver and viewer loop.
func (ws *WebstreamServer) Shutdown() {
	ws.cancel()
}

func (ws *WebstreamServer) Stat() Stat {
	return Stat{
		Drivers:        atomic.LoadInt64(&ws.drivers),
		Viewers:        atomic.LoadInt64(&ws.viewers),
		FixesAccepted:  atomic.LoadUint64(&ws.accepted),
		FixesDiscarded: atomic.LoadUint64(&ws.discarded),
		Rejected:       atomic.LoadUint64(&ws.rejected),
	}
}
