package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/svarah/svarah-core/internal/board"
	"github.com/svarah/svarah-core/internal/config"
	"github.com/svarah/svarah-core/internal/store"
	"github.com/svarah/svarah-core/internal/symbol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type memEntry struct {
	env store.Envelope
	rev uint64
}

// memRemote is an in-process Remote with the same compare-and-set rules as
// the KV bucket.
type memRemote struct {
	mu      sync.Mutex
	rev     uint64
	entries map[string]memEntry
	stall   map[string]bool
}

func newMemRemote() *memRemote {
	return &memRemote{entries: map[string]memEntry{}, stall: map[string]bool{}}
}

func (m *memRemote) Push(ctx context.Context, env store.Envelope, base int64) (int64, error) {
	m.mu.Lock()
	stall := m.stall[env.ID]
	m.mu.Unlock()
	if stall {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.entries[env.ID]; ok && cur.env.Version != base {
		return 0, &ConflictError{Server: cur.env}
	}
	m.rev++
	m.entries[env.ID] = memEntry{env: env, rev: m.rev}
	return env.Version, nil
}

func (m *memRemote) Pull(_ context.Context, cursor uint64) ([]store.Envelope, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var changed []memEntry
	for _, e := range m.entries {
		if e.rev > cursor {
			changed = append(changed, e)
		}
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i].rev < changed[j].rev })
	out := make([]store.Envelope, 0, len(changed))
	next := cursor
	for _, e := range changed {
		out = append(out, e.env)
		next = e.rev
	}
	return out, next, nil
}

func (m *memRemote) get(id string) (store.Envelope, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	return e.env, ok
}

// lossyRemote commits the first push and then reports a timeout, as if the
// reply had been lost on the way back.
type lossyRemote struct {
	*memRemote
	mu   sync.Mutex
	lost bool
}

func (l *lossyRemote) Push(ctx context.Context, env store.Envelope, base int64) (int64, error) {
	v, err := l.memRemote.Push(ctx, env, base)
	l.mu.Lock()
	defer l.mu.Unlock()
	if err == nil && !l.lost {
		l.lost = true
		return 0, context.DeadlineExceeded
	}
	return v, err
}

type device struct {
	st      *store.Store
	symbols *symbol.Store
	boards  *board.Repository
	engine  *Engine
	now     time.Time
}

func newDevice(t *testing.T, name string, symbolRemote, boardRemote Remote) *device {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, config.StoreConfig{Mode: "persistent", Path: filepath.Join(t.TempDir(), name+".db")}, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	d := &device{st: st, now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	st.SetClock(func() time.Time { return d.now })
	d.symbols = symbol.NewStore(st, newLogger())
	d.boards = board.NewRepository(st, d.symbols, "?", newLogger())
	cfg := config.SyncConfig{
		DeviceID:         name,
		PushTimeoutMS:    100,
		BreakerFailRatio: 1,
		BreakerMinCalls:  1000,
		BreakerOpenMS:    1000,
	}
	d.engine = New(st, cfg, newLogger(), []Binding{
		{Source: d.symbols, Remote: symbolRemote},
		{Source: d.boards, Remote: boardRemote},
	})
	return d
}

func (d *device) pass(t *testing.T) PassResult {
	t.Helper()
	res, err := d.engine.Pass(context.Background())
	if err != nil {
		t.Fatalf("pass: %v", err)
	}
	return res
}

func (d *device) setLabel(t *testing.T, id, label string) {
	t.Helper()
	ctx := context.Background()
	sym, err := d.symbols.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		sym = symbol.Symbol{ID: id}
	} else if err != nil {
		t.Fatal(err)
	}
	sym.Label = label
	if _, err := d.symbols.Upsert(ctx, sym); err != nil {
		t.Fatalf("upsert %s: %v", id, err)
	}
}

func (d *device) label(t *testing.T, id string) string {
	t.Helper()
	sym, err := d.symbols.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return sym.Label
}

func TestRoundTripEndsClean(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, "device-a", newMemRemote(), newMemRemote())
	d.setLabel(t, "S1", "hello")

	rec, _ := d.engine.Status(ctx, store.KindSymbol, "S1")
	if rec.State != store.StatePendingPush {
		t.Fatalf("expected pending push, got %+v", rec)
	}
	res := d.pass(t)
	if res.Pushed != 1 || res.Failures != 0 || res.Pending != 0 {
		t.Fatalf("unexpected pass result %+v", res)
	}
	d.pass(t)

	rec, err := d.engine.Status(ctx, store.KindSymbol, "S1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.State != store.StateClean || rec.LocalVersion != rec.RemoteVersion || rec.LocalVersion != 1 {
		t.Fatalf("expected clean record at version 1, got %+v", rec)
	}
}

func TestLostPushReplyIsNotAConflict(t *testing.T) {
	ctx := context.Background()
	symbols := &lossyRemote{memRemote: newMemRemote()}
	d := newDevice(t, "device-a", symbols, newMemRemote())
	d.setLabel(t, "S1", "hello")

	res := d.pass(t)
	if res.Failures != 1 || res.Conflicts != 0 {
		t.Fatalf("unexpected first pass %+v", res)
	}
	res = d.pass(t)
	if res.Conflicts != 0 || res.Pending != 0 {
		t.Fatalf("unexpected second pass %+v", res)
	}

	rec, err := d.engine.Status(ctx, store.KindSymbol, "S1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.State != store.StateClean || rec.LocalVersion != 1 || rec.RemoteVersion != 1 {
		t.Fatalf("expected clean record at version 1, got %+v", rec)
	}
	env, ok := symbols.get("S1")
	if !ok || env.Version != 1 || env.DeviceID != "device-a" {
		t.Fatalf("unexpected remote copy %+v", env)
	}
	sup, err := d.engine.Superseded(ctx, store.KindSymbol, "S1")
	if err != nil {
		t.Fatal(err)
	}
	if len(sup) != 0 {
		t.Fatalf("own copy must not be superseded, got %+v", sup)
	}
	if got := d.label(t, "S1"); got != "hello" {
		t.Fatalf("label changed to %q", got)
	}
}

func TestPullImportsRemoteChanges(t *testing.T) {
	symbols, boards := newMemRemote(), newMemRemote()
	a := newDevice(t, "device-a", symbols, boards)
	b := newDevice(t, "device-b", symbols, boards)

	a.setLabel(t, "S1", "hello")
	a.pass(t)
	res := b.pass(t)
	if res.Pulled != 1 {
		t.Fatalf("expected one pulled entity, got %+v", res)
	}
	if got := b.label(t, "S1"); got != "hello" {
		t.Fatalf("expected pulled label, got %q", got)
	}
	if n, _ := b.st.CountPending(context.Background()); n != 0 {
		t.Fatalf("pulled entity left %d pending records", n)
	}
}

func twoDeviceSetup(t *testing.T) (*device, *device, *memRemote) {
	t.Helper()
	symbols, boards := newMemRemote(), newMemRemote()
	a := newDevice(t, "device-a", symbols, boards)
	b := newDevice(t, "device-b", symbols, boards)
	a.setLabel(t, "S1", "hi")
	a.pass(t)
	b.pass(t)
	return a, b, symbols
}

func TestLastWriterWinsLaterEditPushedSecond(t *testing.T) {
	ctx := context.Background()
	a, b, remote := twoDeviceSetup(t)

	a.now = a.now.Add(time.Minute) // T1
	a.setLabel(t, "S1", "yes")
	b.now = b.now.Add(2 * time.Minute) // T2
	b.setLabel(t, "S1", "yeah")

	a.pass(t)
	res := b.pass(t)
	if res.Conflicts != 1 {
		t.Fatalf("expected a conflict on device b, got %+v", res)
	}
	a.pass(t)

	for name, d := range map[string]*device{"a": a, "b": b} {
		if got := d.label(t, "S1"); got != "yeah" {
			t.Fatalf("device %s: expected yeah, got %q", name, got)
		}
		rec, err := d.engine.Status(ctx, store.KindSymbol, "S1")
		if err != nil || rec.State != store.StateClean {
			t.Fatalf("device %s: expected clean, got %+v (%v)", name, rec, err)
		}
	}
	env, _ := remote.get("S1")
	sup, err := b.engine.Superseded(ctx, store.KindSymbol, "S1")
	if err != nil || len(sup) != 1 {
		t.Fatalf("expected one superseded copy, got %d (%v)", len(sup), err)
	}
	if sup[0].Origin != store.OriginRemote || sup[0].Version >= env.Version {
		t.Fatalf("unexpected superseded copy %+v", sup[0])
	}
	var old symbol.Symbol
	if err := json.Unmarshal(sup[0].Payload, &old); err != nil || old.Label != "yes" {
		t.Fatalf("superseded copy should hold yes, got %q (%v)", old.Label, err)
	}
}

func TestLastWriterWinsLaterEditPushedFirst(t *testing.T) {
	ctx := context.Background()
	a, b, remote := twoDeviceSetup(t)

	a.now = a.now.Add(time.Minute)
	a.setLabel(t, "S1", "yes")
	b.now = b.now.Add(2 * time.Minute)
	b.setLabel(t, "S1", "yeah")

	b.pass(t)
	res := a.pass(t)
	if res.Conflicts != 1 {
		t.Fatalf("expected a conflict on device a, got %+v", res)
	}
	b.pass(t)

	if a.label(t, "S1") != "yeah" || b.label(t, "S1") != "yeah" {
		t.Fatalf("expected both devices on yeah, got a=%q b=%q", a.label(t, "S1"), b.label(t, "S1"))
	}
	sup, _ := a.engine.Superseded(ctx, store.KindSymbol, "S1")
	if len(sup) != 1 || sup[0].Origin != store.OriginLocal {
		t.Fatalf("expected local yes retained on device a, got %+v", sup)
	}

	// Versions only move forward.
	env, _ := remote.get("S1")
	local, _ := a.symbols.Get(ctx, "S1")
	if local.Version != env.Version || local.Version <= 2 {
		t.Fatalf("expected resolved version above 2 on both sides, local=%d remote=%d", local.Version, env.Version)
	}
}

func TestRestoreSuperseded(t *testing.T) {
	ctx := context.Background()
	a, b, _ := twoDeviceSetup(t)
	a.now = a.now.Add(time.Minute)
	a.setLabel(t, "S1", "yes")
	b.now = b.now.Add(2 * time.Minute)
	b.setLabel(t, "S1", "yeah")
	a.pass(t)
	b.pass(t)

	sup, _ := b.engine.Superseded(ctx, store.KindSymbol, "S1")
	if len(sup) == 0 {
		t.Fatal("expected superseded copy")
	}
	b.now = b.now.Add(time.Minute)
	if _, err := b.engine.Restore(ctx, sup[0].ID); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if got := b.label(t, "S1"); got != "yes" {
		t.Fatalf("expected restored label, got %q", got)
	}
	rec, _ := b.engine.Status(ctx, store.KindSymbol, "S1")
	if rec.State != store.StatePendingPush {
		t.Fatalf("restore should leave a pending push, got %+v", rec)
	}
	b.pass(t)
	a.pass(t)
	if got := a.label(t, "S1"); got != "yes" {
		t.Fatalf("restored label did not propagate, got %q", got)
	}
}

func TestStalledPushIsIsolated(t *testing.T) {
	symbols := newMemRemote()
	symbols.stall["slow"] = true
	d := newDevice(t, "device-a", symbols, newMemRemote())
	d.setLabel(t, "slow", "wait")
	d.setLabel(t, "fast", "go")

	start := time.Now()
	res := d.pass(t)
	if time.Since(start) > 2*time.Second {
		t.Fatal("stalled push blocked the pass")
	}
	if res.Pushed != 1 || res.Failures != 1 || res.Pending != 1 {
		t.Fatalf("unexpected pass result %+v", res)
	}
	if _, ok := symbols.get("fast"); !ok {
		t.Fatal("fast entity was not pushed")
	}
	rec, _ := d.engine.Status(context.Background(), store.KindSymbol, "slow")
	if rec.State != store.StatePendingPush {
		t.Fatalf("failed entity should stay pending, got %+v", rec)
	}
}

func TestRemoteCycleIsRetained(t *testing.T) {
	ctx := context.Background()
	symbols, boards := newMemRemote(), newMemRemote()
	a := newDevice(t, "device-a", symbols, boards)
	b := newDevice(t, "device-b", symbols, boards)

	if _, err := a.boards.Save(ctx, board.Board{ID: "food", Cells: []board.Cell{{Position: 0, BoardID: "meals"}}}); err != nil {
		t.Fatal(err)
	}
	if _, err := b.boards.Save(ctx, board.Board{ID: "meals", Cells: []board.Cell{{Position: 0, BoardID: "food"}}}); err != nil {
		t.Fatal(err)
	}
	a.pass(t)
	res := b.pass(t)
	if res.Failures == 0 {
		t.Fatalf("expected the cyclic board to fail import, got %+v", res)
	}
	if _, err := b.boards.Get(ctx, "food"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("cyclic remote board must not be imported, got %v", err)
	}
	sup, _ := b.engine.Superseded(ctx, store.KindBoard, "food")
	if len(sup) != 1 || sup[0].Origin != store.OriginRemote {
		t.Fatalf("expected remote board retained, got %+v", sup)
	}
}

func TestRunTriggersPass(t *testing.T) {
	remote := newMemRemote()
	var (
		mu     sync.Mutex
		passes int
	)
	d := newDevice(t, "device-a", remote, newMemRemote())
	d.engine.onPass = func(PassResult) {
		mu.Lock()
		passes++
		mu.Unlock()
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.engine.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	d.setLabel(t, "S1", "hello")
	d.engine.Trigger()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := remote.get("S1"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("triggered pass did not push")
		}
		time.Sleep(10 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if passes < 1 {
		t.Fatal("pass hook not called")
	}
}
