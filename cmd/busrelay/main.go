package main

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/phuslu/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"nuha.dev/busrelay/internal/config"
	"nuha.dev/busrelay/internal/posstore"
	"nuha.dev/busrelay/internal/sublist"
	"nuha.dev/busrelay/internal/tunnel"
	"nuha.dev/busrelay/internal/web"
	"nuha.dev/busrelay/internal/web/monitoring"
	"nuha.dev/busrelay/internal/webstream"
)

func main() {
	config_path := flag.String("config", "", "optional yaml config file")
	flag.Parse()

	cfg, err := config.Load(*config_path)
	if err != nil {
		log.Fatal().Err(err).Msg("unable to load config")
	}
	setupLogging(cfg.Log)

	store := posstore.New()
	sl := sublist.NewSublist(store)
	ws := webstream.NewWebstream(sl, webstream.WebStreamConfig{
		DriverPath:   cfg.Relay.DriverPath,
		ViewerPath:   cfg.Relay.ViewerPath,
		IdFields:     cfg.Relay.IDFields,
		ReadLimit:    cfg.Relay.ReadLimit,
		ViewerQueue:  cfg.Relay.ViewerQueue,
		WriteTimeout: cfg.Relay.WriteTimeout,
	})
	mon := monitoring.NewMonApi(ws, sl)
	api := web.NewApi(ws, mon, &web.ApiConfig{
		ListenAddr:        cfg.HTTP.Addr(),
		StaticDir:         cfg.Relay.StaticDir,
		DriverPath:        cfg.Relay.DriverPath,
		ViewerPath:        cfg.Relay.ViewerPath,
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
	})

	ln, err := api.Listen()
	if err != nil {
		log.Fatal().Err(err).Str("addr", cfg.HTTP.Addr()).Msg("unable to listen")
	}
	log.Info().Int("port", cfg.HTTP.Port).Msgf("server listening on port %d", cfg.HTTP.Port)
	errc := make(chan error, 1)
	go func() { errc <- api.Serve(ln) }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Tunnel.Addr != "" {
		tun := tunnel.NewTunnel(tunnel.TunnelConfig{
			Addr:  cfg.Tunnel.Addr,
			Token: cfg.Tunnel.Token,
			Retry: cfg.Tunnel.Retry,
		}, api.Serve)
		go tun.Run(ctx)
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err := <-errc:
		if err != nil {
			log.Fatal().Err(err).Msg("server stopped")
		}
	}

	ws.Shutdown()
	sctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := api.Shutdown(sctx); err != nil {
		log.Error().Err(err).Msg("unclean shutdown")
	}
}

func setupLogging(c config.LogConfig) {
	log.DefaultLogger.Level = log.ParseLevel(c.Level)
	if c.File == "" {
		return
	}
	lj := &lumberjack.Logger{
		Filename:   c.File,
		MaxSize:    c.MaxSize,
		MaxBackups: c.MaxBackups,
		MaxAge:     c.MaxAge,
		Compress:   true,
	}
	log.DefaultLogger.Writer = &log.IOWriter{Writer: io.MultiWriter(os.Stderr, lj)}
}
