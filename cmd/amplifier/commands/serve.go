package commands

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/amplifier-ai/runtime/internal/bundle"
	"github.com/amplifier-ai/runtime/internal/bundle/prochost"
	"github.com/amplifier-ai/runtime/internal/config"
	"github.com/amplifier-ai/runtime/internal/event"
	"github.com/amplifier-ai/runtime/internal/handler"
	"github.com/amplifier-ai/runtime/internal/logging"
	"github.com/amplifier-ai/runtime/internal/session"
	"github.com/amplifier-ai/runtime/internal/store"
	"github.com/amplifier-ai/runtime/internal/transport/acp"
	"github.com/amplifier-ai/runtime/internal/transport/httpapi"
	"github.com/amplifier-ai/runtime/internal/transport/stdio"
	"github.com/amplifier-ai/runtime/internal/transport/ws"
)

const shutdownTimeout = 30 * time.Second

func runServe(ctx context.Context) error {
	log := logging.Component("main")

	workDir, err := os.Getwd()
	if err != nil {
		return err
	}

	cfg, err := config.Load(workDir)
	if err != nil {
		return err
	}
	if flagStorageDir != "" {
		cfg.StorageDir = flagStorageDir
	}
	if flagNoPersist {
		cfg.NoPersist = true
	}

	bus := event.NewBus()
	defer bus.Close()

	bundles := bundle.NewManager(cfg)
	if factory := prochost.FactoryFromEnv(); factory != nil {
		bundles.RegisterFactory(factory)
	} else {
		log.Warn().Msgf("%s not set, sessions cannot execute prompts", prochost.EnvHostCommand)
	}

	var st *store.Store
	if !cfg.NoPersist {
		st = store.New(cfg.StorageDir, workDir)
	}

	sessions := session.NewManager(cfg, st, bundles, bus)
	defer sessions.Close()

	h := handler.New(cfg, sessions, bundles, bus)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if flagReload {
		go func() {
			if err := bundles.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn().Err(err).Msg("bundle watcher stopped")
			}
		}()
	}

	log.Info().Str("version", handler.Version).Str("config", cfg.String()).Msg("starting")

	if flagHTTP {
		return serveHTTP(ctx, h, bus)
	}
	return stdio.New(h, os.Stdin, os.Stdout).Serve(ctx)
}

func serveHTTP(ctx context.Context, h *handler.Handler, bus *event.Bus) error {
	log := logging.Component("main")

	httpCfg := httpapi.DefaultConfig()
	httpCfg.Host = flagHost
	httpCfg.Port = flagPort
	srv := httpapi.New(httpCfg, h, bus)

	wsHandler := ws.NewHandler(h)
	srv.Router().Get("/ws", wsHandler.Serve)
	srv.Router().Get("/ws/sessions/{sessionID}", wsHandler.ServeSession)

	if flagACP {
		acp.NewHTTPHandler(acp.NewAdapter(h), bus).Mount(srv.Router())
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr()).Bool("acp", flagACP).Msg("http server listening")
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
