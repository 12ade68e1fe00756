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

	"github.com/svarah/svarah-core/internal/board"
	"github.com/svarah/svarah-core/internal/bus"
	"github.com/svarah/svarah-core/internal/clips"
	"github.com/svarah/svarah-core/internal/config"
	"github.com/svarah/svarah-core/internal/natsserver"
	"github.com/svarah/svarah-core/internal/phrase"
	"github.com/svarah/svarah-core/internal/protocol"
	"github.com/svarah/svarah-core/internal/reconcile"
	"github.com/svarah/svarah-core/internal/session"
	"github.com/svarah/svarah-core/internal/speech"
	"github.com/svarah/svarah-core/internal/store"
	"github.com/svarah/svarah-core/internal/symbol"
	"github.com/svarah/svarah-core/internal/tts"
)

type Runtime struct {
	cfg           config.Config
	version       string
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	telemetry     *telemetry
	ready         atomic.Bool
	wg            sync.WaitGroup

	store      *store.Store
	natsServer *natsserver.EmbeddedServer
	bus        *bus.Client
	clips      *clips.Store
	queue      *speech.Queue
	engine     *reconcile.Engine
	session    *session.Service
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithVersion sets the build version reported in telemetry.
func WithVersion(v string) Option {
	return func(r *Runtime) { r.version = v }
}

func New(cfg config.Config, logger *slog.Logger, opts ...Option) *Runtime {
	r := &Runtime{
		cfg:     cfg,
		version: "dev",
		logger:  logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	st, err := store.Open(ctx, r.cfg.Store, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	r.store = st
	defer func() {
		cancel()
		r.wg.Wait()
		r.closeResources()
	}()
	if err := r.resolveDeviceID(ctx); err != nil {
		return err
	}

	tel, err := setupTelemetry(ctx, r.cfg, r.version, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetry = tel

	if err := r.startCore(ctx); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if tel.metrics != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", tel.metrics)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer, "metrics")
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	if r.session != nil {
		r.session.Close()
	}
	r.wg.Wait()

	return nil
}

// resolveDeviceID fills an unset sync.device_id with the id persisted in the
// store.
func (r *Runtime) resolveDeviceID(ctx context.Context) error {
	if r.cfg.Sync.DeviceID != "" {
		return nil
	}
	id, err := r.store.DeviceID(ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve device id: %w", err)
	}
	r.cfg.Sync.DeviceID = id
	r.logger.Info("using stored device id", slog.String("device_id", id))
	return nil
}

// startCore starts the bus, builds the board, phrase, speech and sync
// components on the opened store and starts their background loops on ctx.
func (r *Runtime) startCore(ctx context.Context) error {
	cfg := r.cfg
	st := r.store

	ns, err := natsserver.Start(cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded NATS: %w", err)
	}
	r.natsServer = ns
	var extra []string
	if url := ns.ClientURL(); url != "" {
		extra = append(extra, url)
	}
	busClient, err := bus.Connect(ctx, cfg.Bus, r.logger, extra...)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	r.bus = busClient

	symbols := symbol.NewStore(st, r.logger)
	boards := board.NewRepository(st, symbols, cfg.Board.PlaceholderLabel, r.logger)

	synth, err := newSynthesizer(cfg.Speech)
	if err != nil {
		return fmt.Errorf("failed to create synthesizer: %w", err)
	}
	clipStore, err := clips.Open(cfg.Clips, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open clip store: %w", err)
	}
	r.clips = clipStore

	prefix := cfg.Session.SubjectPrefix
	sink := tts.NewBusSink(busClient.Conn(), protocol.Subject(prefix, protocol.SubjectSpeechAudio), true, r.logger)
	player := tts.NewPlayer(synth, clipStore, sink, time.Duration(cfg.Speech.ChunkDurationMS)*time.Millisecond, r.logger)
	r.queue = speech.NewQueue(player, r.logger,
		speech.WithObserver(session.NewEvents(busClient, prefix, r.logger)),
		speech.WithUtteranceTimeout(time.Duration(cfg.Speech.UtteranceTimeoutMS)*time.Millisecond),
	)
	r.goRun("speech queue", func() error { return r.queue.Run(ctx) })

	if cfg.Sync.Enabled {
		if err := r.startSync(ctx, symbols, boards); err != nil {
			return err
		}
	}

	voice := speech.VoiceParams{Voice: cfg.Speech.Voice.Voice, Rate: cfg.Speech.Voice.Rate, Pitch: cfg.Speech.Voice.Pitch}
	nav := board.NewNavigator(boards, cfg.Board.HomeBoardID)
	composer := phrase.NewComposer(symbols, voice, cfg.Board.PlaceholderLabel, r.logger)
	opts := []session.Option{session.WithSymbolEditor(symbols), session.WithClipRecorder(clipStore)}
	if r.engine != nil {
		opts = append(opts, session.WithSyncReview(r.engine))
	}
	r.session = session.NewService(ctx, cfg.Session, busClient, nav, composer, r.queue, r.logger, opts...)
	if err := r.session.Start(); err != nil {
		return fmt.Errorf("failed to start session service: %w", err)
	}
	return nil
}

func (r *Runtime) startSync(ctx context.Context, symbols *symbol.Store, boards *board.Repository) error {
	js := r.bus.JetStream()
	symbolRemote, err := reconcile.OpenKVRemote(ctx, js, r.cfg.Sync.SymbolBucket, store.KindSymbol)
	if err != nil {
		return fmt.Errorf("failed to open symbol bucket: %w", err)
	}
	boardRemote, err := reconcile.OpenKVRemote(ctx, js, r.cfg.Sync.BoardBucket, store.KindBoard)
	if err != nil {
		return fmt.Errorf("failed to open board bucket: %w", err)
	}

	statusSubject := protocol.Subject(r.cfg.Session.SubjectPrefix, protocol.SubjectSyncStatus)
	r.engine = reconcile.New(r.store, r.cfg.Sync, r.logger, []reconcile.Binding{
		{Source: symbols, Remote: symbolRemote},
		{Source: boards, Remote: boardRemote},
	}, reconcile.WithPassHook(func(res reconcile.PassResult) {
		status := protocol.SyncStatus{
			Pushed:    res.Pushed,
			Pulled:    res.Pulled,
			Conflicts: res.Conflicts,
			Failures:  res.Failures,
			Pending:   int(res.Pending),
			Timestamp: time.Now().UTC(),
		}
		if err := r.bus.PublishJSON(statusSubject, status); err != nil {
			r.logger.Warn("failed to publish sync status", slog.String("error", err.Error()))
		}
	}))
	r.bus.OnReconnect(r.engine.Trigger)
	r.goRun("reconcile engine", func() error { return r.engine.Run(ctx) })
	return nil
}

func newSynthesizer(cfg config.SpeechConfig) (tts.Synthesizer, error) {
	switch cfg.Mode {
	case "exec":
		return tts.NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels)
	default:
		return tts.NewMockSynth(cfg.SampleRate, cfg.Channels, 0), nil
	}
}

func (r *Runtime) goRun(name string, fn func() error) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Error(name+" stopped", slog.String("error", err.Error()))
		}
	}()
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error(name+" server failed", slog.String("error", err.Error()))
		}
	}()
}

// closeResources releases everything startCore opened, in reverse order.
func (r *Runtime) closeResources() {
	if r.session != nil {
		r.session.Close()
	}
	r.bus.Close()
	r.natsServer.Shutdown()
	if r.clips != nil {
		if err := r.clips.Close(); err != nil {
			r.logger.Error("clip store close error", slog.String("error", err.Error()))
		}
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("store close error", slog.String("error", err.Error()))
		}
	}
	if r.telemetry != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.telemetry.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.bus.Healthy() && r.session.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
