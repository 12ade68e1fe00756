// Package session exposes one board navigation and phrase composition session
// to the UI layer as NATS request/reply endpoints.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/svarah/svarah-core/internal/board"
	"github.com/svarah/svarah-core/internal/bus"
	"github.com/svarah/svarah-core/internal/clips"
	"github.com/svarah/svarah-core/internal/config"
	"github.com/svarah/svarah-core/internal/phrase"
	"github.com/svarah/svarah-core/internal/protocol"
	"github.com/svarah/svarah-core/internal/speech"
	"github.com/svarah/svarah-core/internal/store"
)

var errBadRequest = errors.New("bad request")

type Service struct {
	cfg      config.SessionConfig
	bus      *bus.Client
	nav      *board.Navigator
	composer *phrase.Composer
	queue    *speech.Queue
	symbols  SymbolEditor
	review   SyncReview
	clips    ClipRecorder
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	subs []*nats.Subscription
}

// SymbolEditor removes symbols on behalf of a caregiver. *symbol.Store
// satisfies it.
type SymbolEditor interface {
	Tombstone(ctx context.Context, id string, base int64) (int64, error)
}

// SyncReview exposes sync state and superseded copies. *reconcile.Engine
// satisfies it.
type SyncReview interface {
	Status(ctx context.Context, kind store.Kind, id string) (store.SyncRecord, error)
	Superseded(ctx context.Context, kind store.Kind, id string) ([]store.Superseded, error)
	Restore(ctx context.Context, supersededID int64) (int64, error)
}

// ClipRecorder stores recorded clips. *clips.Store satisfies it.
type ClipRecorder interface {
	Put(ref string, clip clips.Clip) error
	Delete(ref string) error
	Has(ref string) bool
}

// Option enables optional endpoints.
type Option func(*Service)

// WithSymbolEditor serves symbol.tombstone.
func WithSymbolEditor(e SymbolEditor) Option {
	return func(s *Service) { s.symbols = e }
}

// WithSyncReview serves sync.record and sync.restore.
func WithSyncReview(r SyncReview) Option {
	return func(s *Service) { s.review = r }
}

// WithClipRecorder serves clip.put and clip.delete.
func WithClipRecorder(c ClipRecorder) Option {
	return func(s *Service) { s.clips = c }
}

func NewService(parent context.Context, cfg config.SessionConfig, busClient *bus.Client, nav *board.Navigator, composer *phrase.Composer, queue *speech.Queue, logger *slog.Logger, opts ...Option) *Service {
	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		cfg:      cfg,
		bus:      busClient,
		nav:      nav,
		composer: composer,
		queue:    queue,
		logger:   logger.With(slog.String("component", "session")),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type handlerFunc func(ctx context.Context, data []byte) any

// Start subscribes every request subject. It is a no-op when the session is disabled.
func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	handlers := map[string]handlerFunc{
		protocol.SubjectBoardNavigate:    s.handleNavigate,
		protocol.SubjectBoardBack:        s.handleBack,
		protocol.SubjectBoardHome:        s.handleHome,
		protocol.SubjectBoardCell:        s.handleCell,
		protocol.SubjectPhraseAppend:     s.handleAppend,
		protocol.SubjectPhraseRemoveLast: s.handleRemoveLast,
		protocol.SubjectPhraseClear:      s.handleClear,
		protocol.SubjectPhraseSpeak:      s.handleSpeak,
		protocol.SubjectSpeechCancel:     s.handleCancel,
	}
	if s.symbols != nil {
		handlers[protocol.SubjectSymbolTombstone] = s.handleTombstone
	}
	if s.review != nil {
		handlers[protocol.SubjectSyncRecord] = s.handleSyncRecord
		handlers[protocol.SubjectSyncRestore] = s.handleRestore
	}
	if s.clips != nil {
		handlers[protocol.SubjectClipPut] = s.handleClipPut
		handlers[protocol.SubjectClipDelete] = s.handleClipDelete
	}
	for suffix, fn := range handlers {
		subject := protocol.Subject(s.cfg.SubjectPrefix, suffix)
		sub, err := s.bus.Conn().Subscribe(subject, s.serve(subject, fn))
		if err != nil {
			s.drain()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.mu.Lock()
		s.subs = append(s.subs, sub)
		s.mu.Unlock()
	}
	s.logger.Info("session endpoints ready", slog.String("prefix", s.cfg.SubjectPrefix), slog.Int("subjects", len(handlers)))
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.drain()
}

func (s *Service) drain() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Drain()
	}
}

func (s *Service) Healthy() bool {
	if !s.cfg.Enabled {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs) > 0
}

func (s *Service) serve(subject string, fn handlerFunc) nats.MsgHandler {
	timeout := time.Duration(s.cfg.RequestTimeoutMS) * time.Millisecond
	return func(msg *nats.Msg) {
		ctx, cancel := s.ctx, context.CancelFunc(func() {})
		if timeout > 0 {
			ctx, cancel = context.WithTimeout(s.ctx, timeout)
		}
		defer cancel()

		reply := fn(ctx, msg.Data)
		if msg.Reply == "" {
			return
		}
		data, err := json.Marshal(reply)
		if err != nil {
			s.logger.Warn("session failed to encode reply", slog.String("subject", subject), slogError(err))
			return
		}
		if err := msg.Respond(data); err != nil {
			s.logger.Warn("session failed to respond", slog.String("subject", subject), slogError(err))
		}
	}
}

func decode(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func (s *Service) handleNavigate(ctx context.Context, data []byte) any {
	var req protocol.NavigateRequest
	if err := decode(data, &req); err != nil {
		return s.boardReply(board.Board{}, err)
	}
	if req.BoardID == "" {
		return s.boardReply(board.Board{}, fmt.Errorf("%w: board_id is required", errBadRequest))
	}
	b, err := s.nav.Navigate(ctx, req.BoardID)
	return s.boardReply(b, err)
}

func (s *Service) handleBack(ctx context.Context, _ []byte) any {
	b, err := s.nav.Back(ctx)
	return s.boardReply(b, err)
}

func (s *Service) handleHome(ctx context.Context, _ []byte) any {
	b, err := s.nav.Home(ctx)
	return s.boardReply(b, err)
}

func (s *Service) boardReply(b board.Board, err error) protocol.BoardReply {
	reply := protocol.BoardReply{Stack: s.nav.Stack()}
	if err != nil {
		reply.Error, reply.Code = s.describe("board request failed", err)
		return reply
	}
	reply.Board = toWireBoard(b)
	return reply
}

func toWireBoard(b board.Board) *protocol.Board {
	out := &protocol.Board{ID: b.ID, Name: b.Name, ParentID: b.ParentID, Version: b.Version, Cells: make([]protocol.Cell, 0, len(b.Cells))}
	for _, c := range b.Cells {
		out.Cells = append(out.Cells, protocol.Cell{Position: c.Position, SymbolID: c.SymbolID, BoardID: c.BoardID})
	}
	return out
}

func (s *Service) handleCell(ctx context.Context, data []byte) any {
	var req protocol.CellRequest
	if err := decode(data, &req); err != nil {
		var reply protocol.CellReply
		reply.Error, reply.Code = s.describe("cell request failed", err)
		return reply
	}
	res, err := s.nav.ResolveCell(ctx, req.Position)
	if err != nil {
		var reply protocol.CellReply
		reply.Error, reply.Code = s.describe("cell request failed", err)
		return reply
	}
	reply := protocol.CellReply{Kind: res.Kind.String(), Missing: res.Missing}
	switch res.Kind {
	case board.CellSymbol:
		reply.SymbolID = res.Symbol.ID
		reply.Label = res.Symbol.Label
		reply.PictogramRef = res.Symbol.PictogramRef
	case board.CellBoard:
		reply.BoardID = res.BoardID
	}
	return reply
}

func (s *Service) handleAppend(ctx context.Context, data []byte) any {
	var req protocol.AppendRequest
	if err := decode(data, &req); err != nil {
		return s.phraseReply(err)
	}
	if req.SymbolID == "" {
		return s.phraseReply(fmt.Errorf("%w: symbol_id is required", errBadRequest))
	}
	return s.phraseReply(s.composer.Append(ctx, req.SymbolID))
}

func (s *Service) handleRemoveLast(context.Context, []byte) any {
	s.composer.RemoveLast()
	return s.phraseReply(nil)
}

func (s *Service) handleClear(context.Context, []byte) any {
	s.composer.Clear()
	return s.phraseReply(nil)
}

func (s *Service) phraseReply(err error) protocol.PhraseReply {
	buf := s.composer.Buffer()
	reply := protocol.PhraseReply{Segments: make([]string, 0, len(buf.Segments))}
	for _, seg := range buf.Segments {
		reply.Segments = append(reply.Segments, seg.ID)
	}
	if err != nil {
		reply.Error, reply.Code = s.describe("phrase request failed", err)
	}
	return reply
}

func (s *Service) handleSpeak(ctx context.Context, data []byte) any {
	var req protocol.SpeakRequest
	var reply protocol.SpeakReply
	if err := decode(data, &req); err != nil {
		reply.Error, reply.Code = s.describe("speak request failed", err)
		return reply
	}
	utterances, err := s.composer.Render(ctx)
	if err != nil {
		reply.Error, reply.Code = s.describe("speak request failed", err)
		return reply
	}
	for i := range utterances {
		utterances[i].Priority = req.Priority
	}
	var opts []speech.EnqueueOption
	if req.Interrupt {
		opts = append(opts, speech.Interrupt())
	}
	ticket, err := s.queue.Enqueue(utterances, opts...)
	if err != nil {
		reply.Error, reply.Code = s.describe("speak request failed", err)
		return reply
	}
	if req.Clear {
		s.composer.Clear()
	}
	reply.Ticket = ticket.ID()
	reply.Utterances = len(utterances)
	return reply
}

func (s *Service) handleCancel(_ context.Context, data []byte) any {
	var req protocol.CancelRequest
	if err := decode(data, &req); err != nil {
		var reply protocol.CancelReply
		reply.Error, reply.Code = s.describe("cancel request failed", err)
		return reply
	}
	if req.Ticket == "" {
		s.queue.CancelAll()
		return protocol.CancelReply{Cancelled: true}
	}
	return protocol.CancelReply{Cancelled: s.queue.Cancel(req.Ticket)}
}

func (s *Service) handleTombstone(ctx context.Context, data []byte) any {
	var req protocol.TombstoneRequest
	var reply protocol.TombstoneReply
	if err := decode(data, &req); err != nil {
		reply.Error, reply.Code = s.describe("tombstone request failed", err)
		return reply
	}
	if req.SymbolID == "" {
		reply.Error, reply.Code = s.describe("tombstone request failed", fmt.Errorf("%w: symbol_id is required", errBadRequest))
		return reply
	}
	v, err := s.symbols.Tombstone(ctx, req.SymbolID, req.Version)
	if err != nil {
		reply.Error, reply.Code = s.describe("tombstone request failed", err)
		return reply
	}
	s.logger.Info("symbol removed", slog.String("symbol_id", req.SymbolID), slog.Int64("version", v))
	reply.Version = v
	return reply
}

func (s *Service) handleSyncRecord(ctx context.Context, data []byte) any {
	var req protocol.SyncRecordRequest
	reply := protocol.SyncRecordReply{Superseded: []protocol.SupersededCopy{}}
	if err := decode(data, &req); err != nil {
		reply.Error, reply.Code = s.describe("sync record request failed", err)
		return reply
	}
	kind := store.Kind(req.Kind)
	if (kind != store.KindSymbol && kind != store.KindBoard) || req.ID == "" {
		reply.Error, reply.Code = s.describe("sync record request failed", fmt.Errorf("%w: kind must be symbol or board and id is required", errBadRequest))
		return reply
	}
	rec, err := s.review.Status(ctx, kind, req.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		reply.Error, reply.Code = s.describe("sync record request failed", err)
		return reply
	}
	if err == nil {
		reply.State = string(rec.State)
		reply.LocalVersion = rec.LocalVersion
		reply.RemoteVersion = rec.RemoteVersion
	}
	// A removed entity can still have superseded copies worth restoring.
	sup, serr := s.review.Superseded(ctx, kind, req.ID)
	if serr != nil {
		reply.Error, reply.Code = s.describe("sync record request failed", serr)
		return reply
	}
	for _, c := range sup {
		reply.Superseded = append(reply.Superseded, protocol.SupersededCopy{
			ID:           c.ID,
			Version:      c.Version,
			Origin:       string(c.Origin),
			Payload:      c.Payload,
			ModifiedAt:   c.ModifiedAt.UTC(),
			SupersededAt: c.SupersededAt.UTC(),
		})
	}
	if err != nil && len(sup) == 0 {
		reply.Error, reply.Code = s.describe("sync record request failed", err)
	}
	return reply
}

func (s *Service) handleRestore(ctx context.Context, data []byte) any {
	var req protocol.RestoreRequest
	var reply protocol.RestoreReply
	if err := decode(data, &req); err != nil {
		reply.Error, reply.Code = s.describe("restore request failed", err)
		return reply
	}
	if req.SupersededID <= 0 {
		reply.Error, reply.Code = s.describe("restore request failed", fmt.Errorf("%w: superseded_id is required", errBadRequest))
		return reply
	}
	v, err := s.review.Restore(ctx, req.SupersededID)
	if err != nil {
		reply.Error, reply.Code = s.describe("restore request failed", err)
		return reply
	}
	reply.Version = v
	return reply
}

func (s *Service) handleClipPut(_ context.Context, data []byte) any {
	var req protocol.ClipPutRequest
	if err := decode(data, &req); err != nil {
		return s.clipReply(req.Ref, err)
	}
	err := s.clips.Put(req.Ref, clips.Clip{SampleRate: req.SampleRate, Channels: req.Channels, PCM: req.PCM})
	return s.clipReply(req.Ref, err)
}

func (s *Service) handleClipDelete(_ context.Context, data []byte) any {
	var req protocol.ClipDeleteRequest
	if err := decode(data, &req); err != nil {
		return s.clipReply(req.Ref, err)
	}
	if req.Ref == "" {
		return s.clipReply("", fmt.Errorf("%w: ref is required", errBadRequest))
	}
	return s.clipReply(req.Ref, s.clips.Delete(req.Ref))
}

func (s *Service) clipReply(ref string, err error) protocol.ClipReply {
	reply := protocol.ClipReply{Ref: ref}
	if err != nil {
		reply.Error, reply.Code = s.describe("clip request failed", err)
	}
	if ref != "" {
		reply.Stored = s.clips.Has(ref)
	}
	return reply
}

// describe logs err and maps it to a reply message and code.
func (s *Service) describe(msg string, err error) (string, string) {
	code := protocol.CodeInternal
	switch {
	case errors.Is(err, store.ErrNotFound):
		code = protocol.CodeNotFound
	case errors.Is(err, clips.ErrClipNotFound):
		code = protocol.CodeNotFound
	case errors.Is(err, board.ErrCycleDetected):
		code = protocol.CodeCycleDetected
	case errors.Is(err, store.ErrVersionConflict):
		code = protocol.CodeConflict
	case errors.Is(err, errBadRequest), errors.Is(err, clips.ErrInvalidClip):
		code = protocol.CodeBadRequest
	}
	if code == protocol.CodeInternal {
		s.logger.Error(msg, slogError(err))
	} else {
		s.logger.Debug(msg, slog.String("code", code), slogError(err))
	}
	return err.Error(), code
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
