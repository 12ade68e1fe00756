// Package reconcile pushes local symbol and board mutations to a remote
// store, merges remote changes back and resolves conflicts last-writer-wins.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/svarah/svarah-core/internal/config"
	"github.com/svarah/svarah-core/internal/store"
)

// Source is a local entity table taking part in sync. *symbol.Store and
// *board.Repository satisfy it.
type Source interface {
	Kind() store.Kind
	Export(ctx context.Context, id string) (store.Envelope, error)
	// Import replaces the local copy and clears its sync record, failing
	// with store.ErrVersionConflict unless the stored version equals expect.
	Import(ctx context.Context, env store.Envelope, expect int64) error
	// Reapply writes payload as a new local mutation.
	Reapply(ctx context.Context, payload []byte) (int64, error)
}

// Remote is the authoritative store for one entity kind.
type Remote interface {
	// Push stores env if the remote copy is still at baseVersion (0 when
	// absent) and returns the stored version. A diverged remote returns
	// *ConflictError.
	Push(ctx context.Context, env store.Envelope, baseVersion int64) (int64, error)
	// Pull returns the entities changed after cursor and the cursor to use next.
	Pull(ctx context.Context, cursor uint64) ([]store.Envelope, uint64, error)
}

// ConflictError carries the remote copy that a push diverged from.
type ConflictError struct {
	Server store.Envelope
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("remote %s %q is at version %d", e.Server.Kind, e.Server.ID, e.Server.Version)
}

// Binding pairs a local table with its remote.
type Binding struct {
	Source Source
	Remote Remote
}

type binding struct {
	src    Source
	remote Remote
	cursor uint64
}

// PassResult summarizes one reconciliation pass.
type PassResult struct {
	Pushed    int
	Pulled    int
	Conflicts int
	Failures  int
	Pending   int64
}

// Engine runs reconciliation passes. Passes never overlap; the pull cursor
// lives only in the Engine and restarts from zero on a new process.
type Engine struct {
	st          *store.Store
	bindings    map[store.Kind]*binding
	order       []store.Kind
	deviceID    string
	interval    time.Duration
	pushTimeout time.Duration
	limiter     *rate.Limiter
	breaker     *gobreaker.CircuitBreaker
	trigger     chan struct{}
	log         *slog.Logger
	onPass      func(PassResult)

	passMu sync.Mutex

	tracer    trace.Tracer
	pushed    metric.Int64Counter
	conflicts metric.Int64Counter
	failures  metric.Int64Counter
}

// Option configures an Engine.
type Option func(*Engine)

// WithPassHook is called after every pass.
func WithPassHook(fn func(PassResult)) Option {
	return func(e *Engine) { e.onPass = fn }
}

func New(st *store.Store, cfg config.SyncConfig, log *slog.Logger, bindings []Binding, opts ...Option) *Engine {
	limit := rate.Inf
	if cfg.PushesPerSecond > 0 {
		limit = rate.Limit(cfg.PushesPerSecond)
	}
	e := &Engine{
		st:          st,
		bindings:    make(map[store.Kind]*binding, len(bindings)),
		deviceID:    cfg.DeviceID,
		interval:    time.Duration(cfg.IntervalMS) * time.Millisecond,
		pushTimeout: time.Duration(cfg.PushTimeoutMS) * time.Millisecond,
		limiter:     rate.NewLimiter(limit, 1),
		trigger:     make(chan struct{}, 1),
		log:         log.With(slog.String("component", "reconcile-engine")),
		tracer:      otel.Tracer("github.com/svarah/svarah-core/reconcile"),
	}
	for _, b := range bindings {
		kind := b.Source.Kind()
		e.bindings[kind] = &binding{src: b.Source, remote: b.Remote}
		e.order = append(e.order, kind)
	}
	e.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "sync-remote",
		MaxRequests: 1,
		Timeout:     time.Duration(cfg.BreakerOpenMS) * time.Millisecond,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < uint32(cfg.BreakerMinCalls) {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.BreakerFailRatio
		},
		IsSuccessful: func(err error) bool {
			var conflict *ConflictError
			return err == nil || errors.As(err, &conflict)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			e.log.Info("remote breaker state changed", slog.String("from", from.String()), slog.String("to", to.String()))
		},
	})
	for _, opt := range opts {
		opt(e)
	}
	e.initMetrics()
	return e
}

func (e *Engine) initMetrics() {
	meter := otel.Meter("github.com/svarah/svarah-core/reconcile")
	var err error
	if e.pushed, err = meter.Int64Counter("svarah.sync.pushed", metric.WithDescription("Entities pushed to the remote")); err != nil {
		e.log.Warn("failed to initialize metrics", slogError(err))
	}
	if e.conflicts, err = meter.Int64Counter("svarah.sync.conflicts", metric.WithDescription("Conflicts resolved last-writer-wins")); err != nil {
		e.log.Warn("failed to initialize metrics", slogError(err))
	}
	if e.failures, err = meter.Int64Counter("svarah.sync.failures", metric.WithDescription("Per-entity reconciliation failures")); err != nil {
		e.log.Warn("failed to initialize metrics", slogError(err))
	}
	pending, err := meter.Int64ObservableGauge("svarah.sync.pending", metric.WithDescription("Entities diverging from the remote"))
	if err != nil {
		e.log.Warn("failed to initialize metrics", slogError(err))
		return
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		n, err := e.st.CountPending(ctx)
		if err != nil {
			return err
		}
		obs.ObserveInt64(pending, n)
		return nil
	}, pending)
	if err != nil {
		e.log.Warn("failed to register pending gauge", slogError(err))
	}
}

// Trigger requests a pass as soon as possible, e.g. after connectivity returns.
func (e *Engine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Run performs a pass immediately, then on every interval tick and Trigger
// until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	interval := e.interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.log.Info("reconcile engine started", slog.Duration("interval", interval))
	e.runPass(ctx)
	for {
		select {
		case <-ctx.Done():
			e.log.Info("reconcile engine stopped")
			return nil
		case <-ticker.C:
		case <-e.trigger:
		}
		e.runPass(ctx)
	}
}

func (e *Engine) runPass(ctx context.Context) {
	if _, err := e.Pass(ctx); err != nil && ctx.Err() == nil {
		e.log.Warn("reconciliation pass failed", slogError(err))
	}
}

// Pass pushes every pending record, then pulls remote changes. Failures are
// isolated per entity and counted in the result; only errors reading local
// state abort the pass.
func (e *Engine) Pass(ctx context.Context) (PassResult, error) {
	e.passMu.Lock()
	defer e.passMu.Unlock()

	ctx, span := e.tracer.Start(ctx, "reconcile.pass")
	defer span.End()

	var res PassResult
	records, err := e.st.PendingRecords(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read pending records")
		return res, err
	}
	for _, rec := range records {
		b, ok := e.bindings[rec.Kind]
		if !ok {
			continue
		}
		if err := e.limiter.Wait(ctx); err != nil {
			return res, err
		}
		e.pushRecord(ctx, b, rec, &res)
	}

	for _, kind := range e.order {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		e.pull(ctx, e.bindings[kind], &res)
	}

	if res.Pending, err = e.st.CountPending(ctx); err != nil {
		return res, err
	}
	span.SetAttributes(
		attribute.Int("sync.pushed", res.Pushed),
		attribute.Int("sync.pulled", res.Pulled),
		attribute.Int("sync.conflicts", res.Conflicts),
		attribute.Int("sync.failures", res.Failures),
		attribute.Int64("sync.pending", res.Pending),
	)
	e.log.Debug("reconciliation pass complete",
		slog.Int("pushed", res.Pushed),
		slog.Int("pulled", res.Pulled),
		slog.Int("conflicts", res.Conflicts),
		slog.Int("failures", res.Failures),
		slog.Int64("pending", res.Pending))
	if e.onPass != nil {
		e.onPass(res)
	}
	return res, nil
}

func (e *Engine) pushRecord(ctx context.Context, b *binding, rec store.SyncRecord, res *PassResult) {
	log := e.log.With(slog.String("kind", string(rec.Kind)), slog.String("id", rec.EntityID))
	local, err := b.src.Export(ctx, rec.EntityID)
	if err != nil {
		e.fail(ctx, res, log, "export local copy", err)
		return
	}
	local.DeviceID = e.deviceID

	_, err = e.push(ctx, b, local, rec.RemoteVersion)
	var conflict *ConflictError
	switch {
	case err == nil:
		if err := e.st.CompletePush(ctx, rec.Kind, rec.EntityID, local.Version); err != nil {
			e.fail(ctx, res, log, "complete push", err)
			return
		}
		res.Pushed++
		e.count(ctx, e.pushed, rec.Kind)
	case errors.As(err, &conflict) && sameCopy(local, conflict.Server):
		// An earlier push landed but its reply was lost.
		if err := e.st.CompletePush(ctx, rec.Kind, rec.EntityID, local.Version); err != nil {
			e.fail(ctx, res, log, "complete push", err)
			return
		}
		log.Debug("remote already holds the local copy", slog.Int64("version", local.Version))
		res.Pushed++
		e.count(ctx, e.pushed, rec.Kind)
	case conflict != nil:
		if err := e.st.MarkConflict(ctx, rec.Kind, rec.EntityID); err != nil {
			e.fail(ctx, res, log, "mark conflict", err)
			return
		}
		if err := e.resolve(ctx, b, local, conflict.Server); err != nil {
			e.fail(ctx, res, log, "resolve conflict", err)
			return
		}
		res.Conflicts++
		e.count(ctx, e.conflicts, rec.Kind)
	default:
		e.fail(ctx, res, log, "push", err)
	}
}

// push calls the remote through the breaker with its own timeout so a
// stalled call only costs this entity.
// sameCopy reports whether the remote holds exactly the envelope this device
// pushed.
func sameCopy(local, server store.Envelope) bool {
	return local.Version == server.Version &&
		local.DeviceID == server.DeviceID &&
		local.ModifiedAt.Equal(server.ModifiedAt)
}

func (e *Engine) push(ctx context.Context, b *binding, env store.Envelope, base int64) (int64, error) {
	callCtx, cancel := e.callContext(ctx)
	defer cancel()
	v, err := e.breaker.Execute(func() (interface{}, error) {
		return b.remote.Push(callCtx, env, base)
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

func (e *Engine) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.pushTimeout > 0 {
		return context.WithTimeout(ctx, e.pushTimeout)
	}
	return context.WithCancel(ctx)
}

// resolve applies last-writer-wins between the local and server copies. The
// losing copy is kept in the superseded table. Versions never go backwards
// on either side.
func (e *Engine) resolve(ctx context.Context, b *binding, local, server store.Envelope) error {
	localWins := local.Newer(server)

	var (
		resolved store.Envelope
		loser    store.Envelope
		origin   store.Origin
	)
	if localWins {
		resolved = local
		resolved.Version = max(local.Version, server.Version+1)
		loser, origin = server, store.OriginRemote
	} else {
		resolved = server
		if server.Version <= local.Version {
			resolved.Version = local.Version + 1
		}
		loser, origin = local, store.OriginLocal
	}

	if resolved.Version != server.Version {
		if _, err := e.push(ctx, b, resolved, server.Version); err != nil {
			return err
		}
	}
	if err := b.src.Import(ctx, resolved, local.Version); err != nil {
		return err
	}
	if _, err := e.st.AddSuperseded(ctx, store.Superseded{
		Kind:       loser.Kind,
		EntityID:   loser.ID,
		Version:    loser.Version,
		Payload:    loser.Payload,
		ModifiedAt: loser.ModifiedAt,
		Origin:     origin,
	}); err != nil {
		return err
	}
	e.log.Info("conflict resolved",
		slog.String("kind", string(local.Kind)),
		slog.String("id", local.ID),
		slog.Bool("local_won", localWins),
		slog.Int64("version", resolved.Version))
	return nil
}

func (e *Engine) pull(ctx context.Context, b *binding, res *PassResult) {
	log := e.log.With(slog.String("kind", string(b.src.Kind())))
	callCtx, cancel := e.callContext(ctx)
	envs, cursor, err := b.remote.Pull(callCtx, b.cursor)
	cancel()
	if err != nil {
		e.fail(ctx, res, log, "pull", err)
		return
	}
	for _, env := range envs {
		if err := e.merge(ctx, b, env, res); err != nil {
			e.fail(ctx, res, log.With(slog.String("id", env.ID)), "merge remote change", err)
		}
	}
	b.cursor = cursor
}

func (e *Engine) merge(ctx context.Context, b *binding, env store.Envelope, res *PassResult) error {
	rec, err := e.st.Record(ctx, env.Kind, env.ID)
	switch {
	case err == nil:
		if env.Version > rec.RemoteVersion {
			// Diverged while a local edit was pending; the push resolves it.
			e.pushRecord(ctx, b, rec, res)
		}
		return nil
	case !errors.Is(err, store.ErrNotFound):
		return err
	}

	var localVersion int64
	local, err := b.src.Export(ctx, env.ID)
	switch {
	case err == nil:
		localVersion = local.Version
	case !errors.Is(err, store.ErrNotFound):
		return err
	}
	if env.Version <= localVersion {
		return nil
	}
	err = b.src.Import(ctx, env, localVersion)
	switch {
	case err == nil:
		res.Pulled++
		return nil
	case errors.Is(err, store.ErrVersionConflict), ctx.Err() != nil:
		return err
	default:
		// Unusable remote copies are retained for review.
		if _, serr := e.st.AddSuperseded(ctx, store.Superseded{
			Kind:       env.Kind,
			EntityID:   env.ID,
			Version:    env.Version,
			Payload:    env.Payload,
			ModifiedAt: env.ModifiedAt,
			Origin:     store.OriginRemote,
		}); serr != nil {
			return errors.Join(err, serr)
		}
		return err
	}
}

func (e *Engine) fail(ctx context.Context, res *PassResult, log *slog.Logger, op string, err error) {
	res.Failures++
	e.count(ctx, e.failures, "")
	log.Warn("reconcile "+op+" failed", slogError(err))
}

func (e *Engine) count(ctx context.Context, c metric.Int64Counter, kind store.Kind) {
	if c == nil {
		return
	}
	if kind == "" {
		c.Add(ctx, 1)
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
}

// Status returns the sync record of an entity. Clean entities have no stored
// record and are reported with equal local and remote versions.
func (e *Engine) Status(ctx context.Context, kind store.Kind, id string) (store.SyncRecord, error) {
	rec, err := e.st.Record(ctx, kind, id)
	if !errors.Is(err, store.ErrNotFound) {
		return rec, err
	}
	b, ok := e.bindings[kind]
	if !ok {
		return store.SyncRecord{}, fmt.Errorf("unknown entity kind %q", kind)
	}
	env, err := b.src.Export(ctx, id)
	if err != nil {
		return store.SyncRecord{}, err
	}
	return store.SyncRecord{
		Kind:          kind,
		EntityID:      id,
		LocalVersion:  env.Version,
		RemoteVersion: env.Version,
		State:         store.StateClean,
		UpdatedAt:     env.ModifiedAt,
	}, nil
}

// Superseded lists the retained losing copies of an entity, newest first.
func (e *Engine) Superseded(ctx context.Context, kind store.Kind, id string) ([]store.Superseded, error) {
	return e.st.ListSuperseded(ctx, kind, id)
}

// Restore re-applies a superseded copy as a new local edit. It syncs like
// any other mutation.
func (e *Engine) Restore(ctx context.Context, supersededID int64) (int64, error) {
	sup, err := e.st.GetSuperseded(ctx, supersededID)
	if err != nil {
		return 0, err
	}
	b, ok := e.bindings[sup.Kind]
	if !ok {
		return 0, fmt.Errorf("unknown entity kind %q", sup.Kind)
	}
	v, err := b.src.Reapply(ctx, sup.Payload)
	if err != nil {
		return 0, err
	}
	e.log.Info("superseded copy restored", slog.String("kind", string(sup.Kind)), slog.String("id", sup.EntityID), slog.Int64("version", v))
	e.Trigger()
	return v, nil
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
