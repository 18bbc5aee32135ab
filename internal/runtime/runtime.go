package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/eventstore"
	"github.com/loqalabs/loqa-narrator/internal/llm"
	"github.com/loqalabs/loqa-narrator/internal/narration"
	"github.com/loqalabs/loqa-narrator/internal/natsserver"
	"github.com/loqalabs/loqa-narrator/internal/presence"
	"github.com/loqalabs/loqa-narrator/internal/session"
	"github.com/loqalabs/loqa-narrator/internal/stt"
	"github.com/loqalabs/loqa-narrator/internal/tts"
)

const shutdownTimeout = 10 * time.Second

type Runtime struct {
	cfg            config.Config
	logger         *slog.Logger
	httpServer     *http.Server
	telemetryClose func(context.Context) error
	events         *eventstore.Store
	nats           *natsserver.EmbeddedServer
	bus            *bus.Client
	service        *narration.Service
	presence       *presence.Registry
	ready          atomic.Bool
	wg             sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start wires every component, serves HTTP and blocks until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetryClose = shutdownTelemetry

	if err := r.startComponents(ctx); err != nil {
		r.stopComponents()
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle(r.cfg.Telemetry.MetricsPath, metricsHandler)
	}
	newAPI(r.service, r.cfg.HTTP, r.logger).register(mux)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           withCORS(r.cfg.HTTP.CORSOrigin, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()
	r.stopComponents()
	return nil
}

func (r *Runtime) startComponents(ctx context.Context) error {
	storage, err := session.NewStorage(r.cfg.Session.StorageDir)
	if err != nil {
		return fmt.Errorf("prepare session storage: %w", err)
	}
	if r.cfg.Session.PurgeOnStart {
		removed, err := storage.Purge()
		if err != nil {
			return fmt.Errorf("purge stale sessions: %w", err)
		}
		if removed > 0 {
			r.logger.Info("removed stale session storage", slog.Int("sessions", removed))
		}
	}

	r.events, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}

	if r.cfg.Bus.Enabled {
		busCfg := r.cfg.Bus
		r.nats, err = natsserver.Start(busCfg, r.logger)
		if err != nil {
			return err
		}
		if r.nats != nil {
			busCfg.Servers = []string{r.nats.ClientURL()}
		}
		r.bus, err = bus.Connect(ctx, busCfg, r.logger)
		if err != nil {
			return err
		}
	}

	generator, err := llm.New(ctx, r.cfg.LLM)
	if err != nil {
		return fmt.Errorf("configure llm: %w", err)
	}
	synth, err := tts.New(r.cfg.TTS)
	if err != nil {
		return fmt.Errorf("configure tts: %w", err)
	}
	var transcriber stt.Transcriber
	if r.cfg.STT.Enabled {
		transcriber, err = stt.New(r.cfg.STT, r.logger)
		if err != nil {
			return fmt.Errorf("configure stt: %w", err)
		}
	}
	r.logger.Info("collaborators configured",
		slog.String("llm", r.cfg.LLM.Mode),
		slog.String("tts", r.cfg.TTS.Mode),
		slog.Bool("stt", transcriber != nil))

	r.service = narration.NewService(ctx, r.cfg, narration.Deps{
		Generator:   generator,
		Synthesizer: synth,
		Transcriber: transcriber,
		Storage:     storage,
		Events:      r.events,
		Bus:         r.bus,
	}, r.logger)
	if err := r.service.Start(); err != nil {
		return err
	}

	if r.bus == nil {
		return nil
	}
	collaborators := map[string]string{"llm": r.cfg.LLM.Mode, "tts": r.cfg.TTS.Mode}
	if transcriber != nil {
		collaborators["stt"] = r.cfg.STT.Mode
	}
	r.presence, err = presence.NewRegistry(ctx, r.cfg.Node, presence.Options{
		Collaborators:  collaborators,
		MaxConcurrent:  r.cfg.Session.MaxConcurrent,
		ActiveSessions: r.service.Store().Len,
	}, r.bus, r.logger)
	if err != nil {
		return fmt.Errorf("start presence registry: %w", err)
	}
	return nil
}

// stopComponents tears down whatever startComponents managed to build, in reverse order.
func (r *Runtime) stopComponents() {
	if r.presence != nil {
		r.presence.Close()
	}
	if r.service != nil {
		r.service.Close()
	}
	r.bus.Close()
	r.nats.Shutdown()
	if r.events != nil {
		if err := r.events.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}
	if r.telemetryClose != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := r.telemetryClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.service != nil && r.service.Healthy() && (r.bus == nil || r.bus.Healthy()) &&
		(r.presence == nil || r.presence.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
