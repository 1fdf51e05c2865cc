// Command conductord runs the job orchestration service: store, broker,
// worker pools, scheduler, and the HTTP admin/ingestion surface.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/embermedia/conductor"
	"github.com/embermedia/conductor/api"
	"github.com/embermedia/conductor/broker"
	brokermem "github.com/embermedia/conductor/broker/memory"
	brokerredis "github.com/embermedia/conductor/broker/redis"
	"github.com/embermedia/conductor/engine"
	"github.com/embermedia/conductor/job"
	"github.com/embermedia/conductor/remote"
	"github.com/embermedia/conductor/store"
	storemem "github.com/embermedia/conductor/store/memory"
	storepg "github.com/embermedia/conductor/store/postgres"
)

// handlerSpec is one CONDUCTOR_HANDLERS element.
type handlerSpec struct {
	Queue     string `json:"queue"`
	Type      string `json:"type"`
	URL       string `json:"url"`
	Method    string `json:"method"`
	TimeoutMS int64  `json:"timeout_ms"`
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("conductord exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := conductor.LoadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := buildStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	brk, err := buildBroker(cfg, logger)
	if err != nil {
		return err
	}

	eng, err := engine.Build(cfg,
		engine.WithStore(st),
		engine.WithBroker(brk),
		engine.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	if err := registerHandlers(eng, cfg); err != nil {
		return err
	}

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.New(eng.Plane(), st, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http listening", slog.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
		return eng.Stop(shutdownCtx)
	})

	return g.Wait()
}

// buildStore selects the backing store from the configuration.
func buildStore(ctx context.Context, cfg conductor.Config, logger *slog.Logger) (store.Store, error) {
	if cfg.StoreURL == "" {
		logger.Warn("no store url configured, using the in-memory store")
		return storemem.New(), nil
	}
	st, err := storepg.New(ctx, cfg.StoreURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", conductor.ErrStoreUnavailable, err)
	}
	return st, nil
}

// buildBroker selects the queue broker from the configuration.
func buildBroker(cfg conductor.Config, logger *slog.Logger) (broker.Broker, error) {
	if cfg.BrokerURL == "" {
		logger.Warn("no broker url configured, using the in-memory broker")
		return brokermem.New(), nil
	}
	opts, err := goredis.ParseURL(cfg.BrokerURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", conductor.ErrBrokerUnavailable, err)
	}
	return brokerredis.New(goredis.NewClient(opts)), nil
}

// registerHandlers binds the configured downstream endpoints.
func registerHandlers(eng *engine.Engine, cfg conductor.Config) error {
	if cfg.HandlersJSON == "" {
		return nil
	}

	var specs []handlerSpec
	if err := json.Unmarshal([]byte(cfg.HandlersJSON), &specs); err != nil {
		return fmt.Errorf("parse CONDUCTOR_HANDLERS: %w", err)
	}

	for _, spec := range specs {
		timeout := time.Duration(spec.TimeoutMS) * time.Millisecond
		if timeout <= 0 {
			timeout = cfg.HandlerTimeout
		}
		def := &job.Definition{
			Queue: spec.Queue,
			Type:  spec.Type,
			Handler: remote.New(remote.Spec{
				URL:     spec.URL,
				Method:  spec.Method,
				Timeout: timeout,
			}, nil),
			Timeout: timeout,
		}
		if err := eng.RegisterHandler(def); err != nil {
			return fmt.Errorf("register handler %s/%s: %w", spec.Queue, spec.Type, err)
		}
	}
	return nil
}
