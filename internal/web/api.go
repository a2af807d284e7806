package web

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/phuslu/log"
	proxyproto "github.com/pires/go-proxyproto"

	"nuha.dev/busrelay/internal/web/monitoring"
	"nuha.dev/busrelay/internal/webstream"
)

type ApiConfig struct {
	ListenAddr        string
	StaticDir         string
	DriverPath        string
	ViewerPath        string
	ReadHeaderTimeout time.Duration
}

// Api serves the websocket endpoints, health and status, and the static
// viewer page on a single listener.
type Api struct {
	r      chi.Router
	s      *http.Server
	config *ApiConfig
	log    log.Logger
}

func NewApi(ws *webstream.WebstreamServer, mon *monitoring.MonitoringServer, config *ApiConfig) *Api {
	api := &Api{config: config}
	api.log = log.DefaultLogger
	api.log.Context = log.NewContext(nil).Str("module", "api-server").Value()
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(ws.RejectStray)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "HEAD", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Handle(config.DriverPath, ws)
	r.Handle(config.ViewerPath, ws)
	r.Get("/healthz", monitoring.Healthz)
	r.Get("/status", mon.GetHandler().ServeHTTP)
	r.Handle("/*", http.FileServer(http.Dir(config.StaticDir)))

	api.r = r
	api.s = &http.Server{
		Addr:              config.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
		MaxHeaderBytes:    1 << 20,
	}
	return api
}

func (api *Api) Handler() http.Handler {
	return api.r
}

// Listen opens the TCP listener. PROXY protocol headers are honored when a
// load balancer sends them and ignored otherwise.
func (api *Api) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", api.s.Addr)
	if err != nil {
		return nil, err
	}
	return &proxyproto.Listener{Listener: ln}, nil
}

// Serve blocks until ln fails or Shutdown is called. It returns nil after
// Shutdown.
func (api *Api) Serve(ln net.Listener) error {
	err := api.s.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (api *Api) Run() error {
	ln, err := api.Listen()
	if err != nil {
		api.log.Error().Err(err).Str("addr", api.s.Addr).Msg("unable to listen")
		return err
	}
	api.log.Info().Msgf("listening on %s", ln.Addr())
	return api.Serve(ln)
}

func (api *Api) Shutdown(ctx context.Context) error {
	return api.s.Shutdown(ctx)
}
