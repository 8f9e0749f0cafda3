// Package gateway hosts the heartflow engine: it feeds chat traffic from the
// channels through the engine and answers with the agent runtime.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/stellarlinkco/heartflow/internal/bus"
	"github.com/stellarlinkco/heartflow/internal/channel"
	"github.com/stellarlinkco/heartflow/internal/config"
	"github.com/stellarlinkco/heartflow/internal/cron"
	"github.com/stellarlinkco/heartflow/internal/heartflow"
	"github.com/stellarlinkco/heartflow/internal/llm"
	"github.com/stellarlinkco/heartflow/internal/logging"
	"github.com/stellarlinkco/heartflow/internal/metrics"
	"github.com/stellarlinkco/heartflow/internal/persona"
	"github.com/stellarlinkco/heartflow/internal/store"
)

const (
	workerQueueSize = 32
	workerIdle      = 10 * time.Minute
	storeTimeout    = 10 * time.Second
)

// Options for creating a Gateway
type Options struct {
	RuntimeFactory RuntimeFactory
	// Chat replaces the judge model built from the config.
	Chat heartflow.ChatModel
	// Store replaces the affinity store selected by the config.
	Store      store.Store
	Rand       func() float64
	SignalChan chan os.Signal // for testing signal handling
}

type Gateway struct {
	cfg      *config.Config
	bus      *bus.MessageBus
	engine   *heartflow.Engine
	personas *persona.Registry
	store    store.Store
	metrics  *metrics.Metrics
	runtimes *runtimePool
	channels *channel.ChannelManager
	cron     *cron.Service
	httpSrv  *http.Server
	log      zerolog.Logger

	// workers is owned by processLoop. Idle workers ask to retire and
	// processLoop drops them once their queue is empty.
	workers    map[string]chan bus.InboundMessage
	retire     chan string
	workerIdle time.Duration
	wg         sync.WaitGroup

	signalChan   chan os.Signal // for testing
	shutdownOnce sync.Once
}

// New creates a Gateway with default options
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a Gateway with custom options for testing
func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	g := &Gateway{
		cfg:        cfg,
		bus:        bus.NewMessageBus(config.DefaultBufSize),
		metrics:    metrics.New(),
		workers:    make(map[string]chan bus.InboundMessage),
		retire:     make(chan string),
		workerIdle: workerIdle,
		signalChan: opts.SignalChan,
		log:        logging.WithComponent("gateway"),
	}

	registry, err := persona.NewRegistry(persona.Options{
		File:    cfg.PersonaFile(),
		Dir:     cfg.PersonaDir(),
		Default: cfg.Personas.Default,
	})
	if err != nil {
		return nil, fmt.Errorf("load personas: %w", err)
	}
	g.personas = registry

	st := opts.Store
	if st == nil {
		st, err = store.Open(cfg)
		if err != nil {
			return nil, fmt.Errorf("open affinity store: %w", err)
		}
	}
	g.store = st

	chat := opts.Chat
	if chat == nil {
		chat, err = llm.New(context.Background(), cfg)
		if err != nil {
			if cfg.Heartflow.Enabled {
				_ = st.Close()
				return nil, fmt.Errorf("create judge model: %w", err)
			}
			g.log.Debug().Err(err).Msg("no judge model, heartflow disabled")
		}
	}

	engine, err := heartflow.NewEngine(EngineOptions(cfg), heartflow.Deps{
		Chat:     chat,
		Personas: registry,
		Store:    st,
		Observer: g.metrics,
		Rand:     opts.Rand,
	})
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("create engine: %w", err)
	}
	g.engine = engine

	loadCtx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	if err := engine.Load(loadCtx); err != nil {
		g.log.Error().Err(err).Msg("affinity load failed, automatic saves paused until an explicit save")
	}
	cancel()

	// The default persona's runtime is built up front so a broken provider
	// setup fails at startup rather than on the first reply.
	g.runtimes = newRuntimePool(cfg, opts.RuntimeFactory)
	id, text, err := registry.Resolve("")
	if err != nil {
		g.log.Warn().Err(err).Msg("default persona unavailable")
		id, text = "", ""
	}
	if _, err := g.runtimes.get(id, text); err != nil {
		_ = st.Close()
		return nil, err
	}

	g.cron = cron.NewService(filepath.Join(cfg.DataDir(), "cron", "jobs.json"))
	g.cron.OnJob = g.runJob

	chMgr, err := channel.NewChannelManager(cfg.Channels, g.bus)
	if err != nil {
		g.runtimes.close()
		_ = st.Close()
		return nil, fmt.Errorf("create channel manager: %w", err)
	}
	g.channels = chMgr

	g.bus.Tap(g.onOutbound)
	return g, nil
}

func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go g.bus.DispatchOutbound(ctx)

	if err := g.channels.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	g.log.Info().Strs("channels", g.channels.EnabledChannels()).Msg("channels started")

	if err := g.cron.Start(ctx); err != nil {
		g.log.Warn().Err(err).Msg("cron start failed")
	}
	if err := g.ensureJobs(); err != nil {
		g.log.Warn().Err(err).Msg("register housekeeping jobs failed")
	}

	if g.cfg.Personas.Watch {
		go func() {
			if err := g.personas.Watch(ctx); err != nil {
				g.log.Warn().Err(err).Msg("persona watch stopped")
			}
		}()
	}

	if g.cfg.Gateway.Metrics {
		g.serveMetrics()
	}

	g.wg.Add(1)
	go g.processLoop(ctx)

	g.log.Info().Str("host", g.cfg.Gateway.Host).Int("port", g.cfg.Gateway.Port).
		Bool("heartflow", g.cfg.Heartflow.Enabled).Msg("running")

	// Use injected signal channel for testing, or create default
	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	g.log.Info().Msg("shutting down")
	cancel()
	g.wg.Wait()
	return g.Shutdown()
}

func (g *Gateway) serveMetrics() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", g.metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	g.httpSrv = &http.Server{
		Addr:              net.JoinHostPort(g.cfg.Gateway.Host, strconv.Itoa(g.cfg.Gateway.Port)),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := g.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.log.Error().Err(err).Str("addr", g.httpSrv.Addr).Msg("metrics server failed")
		}
	}()
}

// onOutbound runs after a message was handed to its channel.
func (g *Gateway) onOutbound(msg bus.OutboundMessage) {
	g.metrics.ObserveOutbound(msg.Channel)
	if kind, _ := msg.Metadata["kind"].(string); kind == kindCommand {
		return
	}
	g.engine.RecordReply(msg.SessionKey(), msg.Content)
}

func (g *Gateway) send(ctx context.Context, msg bus.OutboundMessage) {
	select {
	case g.bus.Outbound <- msg:
	case <-ctx.Done():
	}
}

func (g *Gateway) Shutdown() error {
	g.shutdownOnce.Do(func() {
		_ = g.channels.StopAll()
		g.cron.Stop()

		if g.httpSrv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := g.httpSrv.Shutdown(ctx); err != nil {
				g.log.Warn().Err(err).Msg("metrics server shutdown")
			}
			cancel()
		}

		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		if err := g.engine.SaveIfDirty(ctx); err != nil {
			g.log.Warn().Err(err).Msg("final affinity save failed")
		}
		cancel()
		if err := g.store.Close(); err != nil {
			g.log.Warn().Err(err).Msg("close affinity store")
		}

		g.runtimes.close()
		g.log.Info().Msg("shutdown complete")
	})
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
