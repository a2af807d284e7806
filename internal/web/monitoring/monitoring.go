package monitoring

import (
	"net/http"
	"time"

	"nuha.dev/busrelay/internal/sublist"
	"nuha.dev/busrelay/internal/util"
	"nuha.dev/busrelay/internal/webstream"
)

type MonitoringServer struct {
	ws      *webstream.WebstreamServer
	sublist *sublist.Sublist
	started time.Time
}

type Status struct {
	Uptime    string         `json:"uptime"`
	Stream    webstream.Stat `json:"stream"`
	Broadcast sublist.Stat   `json:"broadcast"`
}

func NewMonApi(ws *webstream.WebstreamServer, sl *sublist.Sublist) *MonitoringServer {
	m := &MonitoringServer{}
	m.ws = ws
	m.sublist = sl
	m.started = time.Now()
	return m
}

func (m *MonitoringServer) Status() Status {
	return Status{
		Uptime:    time.Since(m.started).Truncate(time.Second).String(),
		Stream:    m.ws.Stat(),
		Broadcast: m.sublist.Stat(),
	}
}

func (m *MonitoringServer) serve_http(w http.ResponseWriter, r *http.Request) {
	util.JsonWrite(w, m.Status())
}

func (m *MonitoringServer) GetHandler() http.Handler {
	return http.HandlerFunc(m.serve_http)
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("ok"))
}
