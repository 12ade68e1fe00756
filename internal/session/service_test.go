package session

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/svarah/svarah-core/internal/board"
	"github.com/svarah/svarah-core/internal/bus"
	"github.com/svarah/svarah-core/internal/clips"
	"github.com/svarah/svarah-core/internal/config"
	"github.com/svarah/svarah-core/internal/natsserver"
	"github.com/svarah/svarah-core/internal/phrase"
	"github.com/svarah/svarah-core/internal/protocol"
	"github.com/svarah/svarah-core/internal/reconcile"
	"github.com/svarah/svarah-core/internal/speech"
	"github.com/svarah/svarah-core/internal/store"
	"github.com/svarah/svarah-core/internal/symbol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recordingPlayer struct {
	mu     sync.Mutex
	played []string
}

func (p *recordingPlayer) Play(ctx context.Context, req speech.Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.played = append(p.played, speech.SourceValue(req.Source))
	return nil
}

type harness struct {
	client  *bus.Client
	player  *recordingPlayer
	st      *store.Store
	symbols *symbol.Store
	clips   *clips.Store
}

func newHarness(t *testing.T) harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	log := newLogger()

	st, err := store.Open(ctx, config.StoreConfig{Mode: "persistent", Path: filepath.Join(t.TempDir(), "session.db")}, log)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	symbols := symbol.NewStore(st, log)
	for _, sym := range []symbol.Symbol{{ID: "S1", Label: "hello"}, {ID: "S2", Label: "mom"}} {
		if _, err := symbols.Upsert(ctx, sym); err != nil {
			t.Fatal(err)
		}
	}
	repo := board.NewRepository(st, symbols, "?", log)
	for _, b := range []board.Board{
		{ID: "food", ParentID: "home", Cells: []board.Cell{{Position: 0, SymbolID: "S2"}}},
		{ID: "home", Cells: []board.Cell{{Position: 0, SymbolID: "S1"}, {Position: 1, BoardID: "food"}, {Position: 2, SymbolID: "gone"}}},
	} {
		if _, err := repo.Save(ctx, b); err != nil {
			t.Fatalf("save %s: %v", b.ID, err)
		}
	}

	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, log)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(ctx, config.BusConfig{ConnectTimeout: 2000}, log, srv.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	player := &recordingPlayer{}
	queue := speech.NewQueue(player, log, speech.WithObserver(NewEvents(client, "aac", log)))
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = queue.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	clipStore, err := clips.Open(config.ClipsConfig{Directory: t.TempDir(), CompressionLevel: 1}, log)
	if err != nil {
		t.Fatalf("open clips: %v", err)
	}
	t.Cleanup(func() { _ = clipStore.Close() })

	var bindings []reconcile.Binding
	for kind, src := range map[store.Kind]reconcile.Source{store.KindSymbol: symbols, store.KindBoard: repo} {
		remote, err := reconcile.OpenKVRemote(ctx, client.JetStream(), "aac_test_"+string(kind), kind)
		if err != nil {
			t.Fatalf("open %s bucket: %v", kind, err)
		}
		bindings = append(bindings, reconcile.Binding{Source: src, Remote: remote})
	}
	engine := reconcile.New(st, config.SyncConfig{DeviceID: "device-a", PushTimeoutMS: 2000, BreakerFailRatio: 1, BreakerMinCalls: 1000, BreakerOpenMS: 1000}, log, bindings)

	nav := board.NewNavigator(repo, "home")
	composer := phrase.NewComposer(symbols, speech.VoiceParams{Voice: "en-US", Rate: 1}, "?", log)
	svc := NewService(ctx, config.SessionConfig{Enabled: true, SubjectPrefix: "aac", RequestTimeoutMS: 2000}, client, nav, composer, queue, log,
		WithSymbolEditor(symbols), WithSyncReview(engine), WithClipRecorder(clipStore))
	if err := svc.Start(); err != nil {
		t.Fatalf("start session: %v", err)
	}
	t.Cleanup(svc.Close)
	if !svc.Healthy() {
		t.Fatal("session not healthy after start")
	}
	return harness{client: client, player: player, st: st, symbols: symbols, clips: clipStore}
}

func (h harness) request(t *testing.T, suffix string, req, reply any) {
	t.Helper()
	var data []byte
	if req != nil {
		var err error
		if data, err = json.Marshal(req); err != nil {
			t.Fatal(err)
		}
	}
	h.requestRaw(t, suffix, data, reply)
}

func (h harness) requestRaw(t *testing.T, suffix string, data []byte, reply any) {
	t.Helper()
	msg, err := h.client.Conn().Request(protocol.Subject("aac", suffix), data, 2*time.Second)
	if err != nil {
		t.Fatalf("request %s: %v", suffix, err)
	}
	if err := json.Unmarshal(msg.Data, reply); err != nil {
		t.Fatalf("decode %s reply: %v", suffix, err)
	}
}

func TestBoardNavigation(t *testing.T) {
	h := newHarness(t)

	var reply protocol.BoardReply
	h.request(t, protocol.SubjectBoardNavigate, protocol.NavigateRequest{BoardID: "food"}, &reply)
	if reply.Error != "" || reply.Board == nil || reply.Board.ID != "food" {
		t.Fatalf("navigate food: %+v", reply)
	}
	if !slices.Equal(reply.Stack, []string{"home", "food"}) {
		t.Fatalf("unexpected stack %v", reply.Stack)
	}

	reply = protocol.BoardReply{}
	h.request(t, protocol.SubjectBoardNavigate, protocol.NavigateRequest{BoardID: "home"}, &reply)
	if reply.Code != protocol.CodeCycleDetected || !slices.Equal(reply.Stack, []string{"home", "food"}) {
		t.Fatalf("expected cycle_detected with unchanged stack, got %+v", reply)
	}

	reply = protocol.BoardReply{}
	h.request(t, protocol.SubjectBoardNavigate, protocol.NavigateRequest{BoardID: "nowhere"}, &reply)
	if reply.Code != protocol.CodeNotFound {
		t.Fatalf("expected not_found, got %+v", reply)
	}

	reply = protocol.BoardReply{}
	h.request(t, protocol.SubjectBoardNavigate, protocol.NavigateRequest{}, &reply)
	if reply.Code != protocol.CodeBadRequest {
		t.Fatalf("expected bad_request, got %+v", reply)
	}

	reply = protocol.BoardReply{}
	h.request(t, protocol.SubjectBoardBack, nil, &reply)
	if reply.Board == nil || reply.Board.ID != "home" || len(reply.Board.Cells) != 3 {
		t.Fatalf("back: %+v", reply)
	}
}

func TestCellResolution(t *testing.T) {
	h := newHarness(t)

	var home protocol.BoardReply
	h.request(t, protocol.SubjectBoardHome, nil, &home)

	var cell protocol.CellReply
	h.request(t, protocol.SubjectBoardCell, protocol.CellRequest{Position: 0}, &cell)
	if cell.Kind != "symbol" || cell.Label != "hello" || cell.Missing {
		t.Fatalf("cell 0: %+v", cell)
	}

	cell = protocol.CellReply{}
	h.request(t, protocol.SubjectBoardCell, protocol.CellRequest{Position: 1}, &cell)
	if cell.Kind != "board" || cell.BoardID != "food" {
		t.Fatalf("cell 1: %+v", cell)
	}

	cell = protocol.CellReply{}
	h.request(t, protocol.SubjectBoardCell, protocol.CellRequest{Position: 2}, &cell)
	if cell.Kind != "symbol" || !cell.Missing || cell.Label != "?" {
		t.Fatalf("dangling cell should resolve to placeholder, got %+v", cell)
	}

	cell = protocol.CellReply{}
	h.request(t, protocol.SubjectBoardCell, protocol.CellRequest{Position: 9}, &cell)
	if cell.Kind != "empty" {
		t.Fatalf("cell 9: %+v", cell)
	}
}

func TestComposeAndSpeak(t *testing.T) {
	h := newHarness(t)

	outcomes, err := h.client.Conn().SubscribeSync(protocol.Subject("aac", protocol.SubjectSpeechOutcome))
	if err != nil {
		t.Fatal(err)
	}

	var phraseReply protocol.PhraseReply
	for _, id := range []string{"S1", "S2", "S1"} {
		phraseReply = protocol.PhraseReply{}
		h.request(t, protocol.SubjectPhraseAppend, protocol.AppendRequest{SymbolID: id}, &phraseReply)
	}
	if !slices.Equal(phraseReply.Segments, []string{"S1", "S2", "S1"}) {
		t.Fatalf("unexpected segments %v", phraseReply.Segments)
	}

	phraseReply = protocol.PhraseReply{}
	h.request(t, protocol.SubjectPhraseAppend, protocol.AppendRequest{SymbolID: "gone"}, &phraseReply)
	if phraseReply.Code != protocol.CodeNotFound || len(phraseReply.Segments) != 3 {
		t.Fatalf("expected rejected append, got %+v", phraseReply)
	}

	phraseReply = protocol.PhraseReply{}
	h.request(t, protocol.SubjectPhraseRemoveLast, nil, &phraseReply)
	if !slices.Equal(phraseReply.Segments, []string{"S1", "S2"}) {
		t.Fatalf("remove last: %v", phraseReply.Segments)
	}

	var speak protocol.SpeakReply
	h.request(t, protocol.SubjectPhraseSpeak, protocol.SpeakRequest{Clear: true}, &speak)
	if speak.Error != "" || speak.Ticket == "" || speak.Utterances != 1 {
		t.Fatalf("speak: %+v", speak)
	}

	msg, err := outcomes.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("waiting for outcome: %v", err)
	}
	var outcome protocol.SpeechOutcome
	if err := json.Unmarshal(msg.Data, &outcome); err != nil {
		t.Fatal(err)
	}
	if outcome.Ticket != speak.Ticket || outcome.Status != "played" {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	h.player.mu.Lock()
	played := slices.Clone(h.player.played)
	h.player.mu.Unlock()
	if !slices.Equal(played, []string{"hello mom"}) {
		t.Fatalf("unexpected playback %v", played)
	}

	phraseReply = protocol.PhraseReply{}
	h.request(t, protocol.SubjectPhraseRemoveLast, nil, &phraseReply)
	if len(phraseReply.Segments) != 0 {
		t.Fatalf("buffer should be empty after speak with clear, got %v", phraseReply.Segments)
	}

	h.request(t, protocol.SubjectPhraseAppend, protocol.AppendRequest{SymbolID: "S2"}, &phraseReply)
	phraseReply = protocol.PhraseReply{}
	h.request(t, protocol.SubjectPhraseClear, nil, &phraseReply)
	if phraseReply.Segments == nil || len(phraseReply.Segments) != 0 {
		t.Fatalf("clear: %+v", phraseReply)
	}
}

func TestCancel(t *testing.T) {
	h := newHarness(t)

	var reply protocol.CancelReply
	h.request(t, protocol.SubjectSpeechCancel, protocol.CancelRequest{}, &reply)
	if !reply.Cancelled {
		t.Fatal("cancel all should report cancelled")
	}

	reply = protocol.CancelReply{}
	h.request(t, protocol.SubjectSpeechCancel, protocol.CancelRequest{Ticket: "unknown"}, &reply)
	if reply.Cancelled {
		t.Fatal("unknown ticket should not report cancelled")
	}
}

func TestCancelRejectsMalformedRequest(t *testing.T) {
	h := newHarness(t)

	var reply protocol.CancelReply
	h.requestRaw(t, protocol.SubjectSpeechCancel, []byte(`{"ticket":`), &reply)
	if reply.Cancelled || reply.Code != protocol.CodeBadRequest {
		t.Fatalf("expected bad_request without cancelling, got %+v", reply)
	}

	reply = protocol.CancelReply{}
	h.requestRaw(t, protocol.SubjectSpeechCancel, []byte(`["not", "an", "object"]`), &reply)
	if reply.Cancelled || reply.Code != protocol.CodeBadRequest {
		t.Fatalf("expected bad_request for a non-object payload, got %+v", reply)
	}
}

func TestTombstoneSymbol(t *testing.T) {
	h := newHarness(t)

	var reply protocol.TombstoneReply
	h.request(t, protocol.SubjectSymbolTombstone, protocol.TombstoneRequest{SymbolID: "S2", Version: 7}, &reply)
	if reply.Code != protocol.CodeConflict {
		t.Fatalf("expected version_conflict for a stale version, got %+v", reply)
	}

	reply = protocol.TombstoneReply{}
	h.request(t, protocol.SubjectSymbolTombstone, protocol.TombstoneRequest{SymbolID: "S2", Version: 1}, &reply)
	if reply.Error != "" || reply.Version != 2 {
		t.Fatalf("tombstone: %+v", reply)
	}
	sym, err := h.symbols.Get(context.Background(), "S2")
	if err != nil || !sym.Tombstoned {
		t.Fatalf("expected tombstoned symbol, got %+v (%v)", sym, err)
	}

	reply = protocol.TombstoneReply{}
	h.request(t, protocol.SubjectSymbolTombstone, protocol.TombstoneRequest{SymbolID: "nobody", Version: 1}, &reply)
	if reply.Code != protocol.CodeNotFound {
		t.Fatalf("expected not_found, got %+v", reply)
	}
}

func TestReviewAndRestoreSuperseded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	lost, err := h.symbols.Export(ctx, "S1")
	if err != nil {
		t.Fatal(err)
	}
	sym, _ := h.symbols.Get(ctx, "S1")
	sym.Label = "hi"
	if _, err := h.symbols.Upsert(ctx, sym); err != nil {
		t.Fatal(err)
	}
	supID, err := h.st.AddSuperseded(ctx, store.Superseded{
		Kind:       store.KindSymbol,
		EntityID:   "S1",
		Version:    lost.Version,
		Payload:    lost.Payload,
		ModifiedAt: lost.ModifiedAt,
		Origin:     store.OriginLocal,
	})
	if err != nil {
		t.Fatal(err)
	}

	var rec protocol.SyncRecordReply
	h.request(t, protocol.SubjectSyncRecord, protocol.SyncRecordRequest{Kind: "symbol", ID: "S1"}, &rec)
	if rec.Error != "" || rec.State != string(store.StatePendingPush) || rec.LocalVersion != 2 {
		t.Fatalf("sync record: %+v", rec)
	}
	if len(rec.Superseded) != 1 || rec.Superseded[0].ID != supID || rec.Superseded[0].Origin != "local" {
		t.Fatalf("unexpected superseded copies %+v", rec.Superseded)
	}

	var restore protocol.RestoreReply
	h.request(t, protocol.SubjectSyncRestore, protocol.RestoreRequest{SupersededID: supID}, &restore)
	if restore.Error != "" || restore.Version != 3 {
		t.Fatalf("restore: %+v", restore)
	}
	if sym, _ := h.symbols.Get(ctx, "S1"); sym.Label != "hello" {
		t.Fatalf("restore did not reapply the label, got %q", sym.Label)
	}

	restore = protocol.RestoreReply{}
	h.request(t, protocol.SubjectSyncRestore, protocol.RestoreRequest{SupersededID: supID + 100}, &restore)
	if restore.Code != protocol.CodeNotFound {
		t.Fatalf("expected not_found, got %+v", restore)
	}

	rec = protocol.SyncRecordReply{}
	h.request(t, protocol.SubjectSyncRecord, protocol.SyncRecordRequest{Kind: "phrase", ID: "S1"}, &rec)
	if rec.Code != protocol.CodeBadRequest {
		t.Fatalf("expected bad_request for an unknown kind, got %+v", rec)
	}
}

func TestRecordAndDeleteClip(t *testing.T) {
	h := newHarness(t)

	pcm := []byte{0x01, 0x00, 0xff, 0x7f, 0x00, 0x80, 0x02, 0x00}
	var reply protocol.ClipReply
	h.request(t, protocol.SubjectClipPut, protocol.ClipPutRequest{Ref: "mom-voice", SampleRate: 16000, Channels: 1, PCM: pcm}, &reply)
	if reply.Error != "" || !reply.Stored {
		t.Fatalf("clip put: %+v", reply)
	}
	clip, err := h.clips.Load("mom-voice")
	if err != nil || clip.SampleRate != 16000 || !slices.Equal(clip.PCM, pcm) {
		t.Fatalf("stored clip did not round trip: %+v (%v)", clip, err)
	}

	reply = protocol.ClipReply{}
	h.request(t, protocol.SubjectClipPut, protocol.ClipPutRequest{Ref: "odd", SampleRate: 16000, Channels: 1, PCM: []byte{1, 2, 3}}, &reply)
	if reply.Code != protocol.CodeBadRequest || reply.Stored {
		t.Fatalf("expected bad_request for unaligned pcm, got %+v", reply)
	}

	reply = protocol.ClipReply{}
	h.request(t, protocol.SubjectClipDelete, protocol.ClipDeleteRequest{Ref: "mom-voice"}, &reply)
	if reply.Error != "" || reply.Stored {
		t.Fatalf("clip delete: %+v", reply)
	}
	if h.clips.Has("mom-voice") {
		t.Fatal("clip still stored after delete")
	}
}
