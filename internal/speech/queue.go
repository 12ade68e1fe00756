package speech

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ErrQueueClosed is returned by Enqueue once Run has returned.
var ErrQueueClosed = errors.New("speech queue is closed")

// Player is the audio/synthesis subsystem. Play blocks until req has been
// heard or fails. It must not start output when ctx is already done and
// must return promptly once ctx is cancelled.
type Player interface {
	Play(ctx context.Context, req Request) error
}

// Ticket identifies the utterances of one Enqueue call.
type Ticket struct {
	id   string
	done chan struct{}
}

func (t *Ticket) ID() string { return t.id }

// Done is closed once every utterance of the ticket has played, failed,
// been cancelled or been discarded.
func (t *Ticket) Done() <-chan struct{} { return t.done }

type ticketState struct {
	ticket    *Ticket
	remaining int
}

type item struct {
	req    Request
	ticket *ticketState
	seq    uint64
	index  int
}

// itemHeap orders by priority, highest first, then by enqueue order.
type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].req.Priority != h[j].req.Priority {
		return h[i].req.Priority > h[j].req.Priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

type inflight struct {
	item      *item
	cancel    context.CancelFunc
	cancelled bool
}

// Queue is the single playback lane.
type Queue struct {
	player    Player
	log       *slog.Logger
	timeout   time.Duration
	clock     func() time.Time
	observers []Observer

	mu      sync.Mutex
	cond    *sync.Cond
	items   itemHeap
	seq     uint64
	state   State
	current *inflight
	closed  bool
	events  []any
	notify  chan struct{}

	utterances metric.Int64Counter
}

// Option configures a Queue.
type Option func(*Queue)

// WithObserver registers o for transitions and outcomes.
func WithObserver(o Observer) Option {
	return func(q *Queue) { q.observers = append(q.observers, o) }
}

// WithUtteranceTimeout bounds a single Play call. Zero disables the bound.
func WithUtteranceTimeout(d time.Duration) Option {
	return func(q *Queue) { q.timeout = d }
}

// WithClock overrides the time source used for transition timestamps.
func WithClock(clock func() time.Time) Option {
	return func(q *Queue) { q.clock = clock }
}

func NewQueue(player Player, log *slog.Logger, opts ...Option) *Queue {
	q := &Queue{
		player: player,
		log:    log.With(slog.String("component", "speech-queue")),
		clock:  time.Now,
		notify: make(chan struct{}, 1),
	}
	q.cond = sync.NewCond(&q.mu)
	for _, opt := range opts {
		opt(q)
	}
	heap.Init(&q.items)
	q.initMetrics()
	return q
}

func (q *Queue) initMetrics() {
	meter := otel.Meter("github.com/svarah/svarah-core/speech")
	counter, err := meter.Int64Counter("svarah.speech.utterances",
		metric.WithDescription("Utterances finished, by outcome"))
	if err != nil {
		q.log.Warn("failed to initialize metrics", slogError(err))
		return
	}
	q.utterances = counter
}

type enqueueOptions struct {
	interrupt bool
}

// EnqueueOption modifies a single Enqueue call.
type EnqueueOption func(*enqueueOptions)

// Interrupt cancels everything queued or playing before the new utterances
// are added.
func Interrupt() EnqueueOption {
	return func(o *enqueueOptions) { o.interrupt = true }
}

// Enqueue adds reqs to the lane behind anything already queued at the same
// or higher priority. Requests without an ID are assigned one.
func (q *Queue) Enqueue(reqs []Request, opts ...EnqueueOption) (*Ticket, error) {
	var o enqueueOptions
	for _, opt := range opts {
		opt(&o)
	}
	for i, req := range reqs {
		if req.Source == nil {
			return nil, fmt.Errorf("utterance %d has no source", i)
		}
	}

	ticket := &Ticket{id: uuid.NewString(), done: make(chan struct{})}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrQueueClosed
	}
	if o.interrupt {
		q.cancelLocked(func(*item) bool { return true })
	}
	if len(reqs) == 0 {
		close(ticket.done)
		return ticket, nil
	}
	ts := &ticketState{ticket: ticket, remaining: len(reqs)}
	for _, req := range reqs {
		if req.ID == "" {
			req.ID = uuid.NewString()
		}
		q.seq++
		heap.Push(&q.items, &item{req: req, ticket: ts, seq: q.seq})
	}
	q.cond.Signal()
	q.log.Debug("utterances enqueued", slog.String("ticket", ticket.id), slog.Int("count", len(reqs)))
	return ticket, nil
}

// CancelAll interrupts the in-flight utterance and discards everything
// queued. Nothing that was queued before the call starts afterwards. The
// lane reports Cancelled until the player returns, then Idle.
func (q *Queue) CancelAll() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cancelLocked(func(*item) bool { return true })
}

// Cancel interrupts and discards only the utterances of ticketID. It reports
// whether anything was cancelled.
func (q *Queue) Cancel(ticketID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cancelLocked(func(it *item) bool { return it.ticket.ticket.id == ticketID })
}

func (q *Queue) cancelLocked(match func(*item) bool) bool {
	found := false
	keep := q.items[:0:0]
	for _, it := range q.items {
		if !match(it) {
			keep = append(keep, it)
			continue
		}
		found = true
		q.emit(Outcome{Ticket: it.ticket.ticket.id, RequestID: it.req.ID, Status: OutcomeDiscarded})
		q.release(it.ticket)
	}
	q.items = keep
	heap.Init(&q.items)

	if cur := q.current; cur != nil && !cur.cancelled && match(cur.item) {
		found = true
		cur.cancelled = true
		cur.cancel()
		q.transition(StateCancelled, cur.item)
	}
	return found
}

// State returns the lane's current state.
func (q *Queue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Len returns the number of utterances waiting to start.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Run plays utterances one at a time until ctx is done. Utterances still
// queued when it returns are discarded and later Enqueue calls fail with
// ErrQueueClosed.
func (q *Queue) Run(ctx context.Context) error {
	stopDispatch := make(chan struct{})
	dispatched := make(chan struct{})
	go q.dispatch(stopDispatch, dispatched)

	stopWake := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.closed = true
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stopWake()

	q.log.Info("speech queue started")
	for {
		it, playCtx, err := q.next(ctx)
		if err != nil {
			break
		}
		err = q.player.Play(playCtx, it.req)
		q.finish(it, err)
	}

	q.mu.Lock()
	q.closed = true
	q.cancelLocked(func(*item) bool { return true })
	q.mu.Unlock()
	close(stopDispatch)
	<-dispatched
	q.log.Info("speech queue stopped")
	return nil
}

func (q *Queue) next(ctx context.Context) (*item, context.Context, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.closed || ctx.Err() != nil {
		return nil, nil, ErrQueueClosed
	}
	it := heap.Pop(&q.items).(*item)
	var (
		playCtx context.Context
		cancel  context.CancelFunc
	)
	if q.timeout > 0 {
		playCtx, cancel = context.WithTimeout(ctx, q.timeout)
	} else {
		playCtx, cancel = context.WithCancel(ctx)
	}
	q.current = &inflight{item: it, cancel: cancel}
	q.transition(StatePlaying, it)
	return it, playCtx, nil
}

func (q *Queue) finish(it *item, playErr error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cur := q.current
	q.current = nil
	cur.cancel()

	out := Outcome{Ticket: it.ticket.ticket.id, RequestID: it.req.ID}
	switch {
	case cur.cancelled:
		out.Status = OutcomeCancelled
	case playErr != nil:
		perr := &PlaybackError{RequestID: it.req.ID, Err: playErr}
		out.Status = OutcomeFailed
		out.Err = perr
		q.log.Warn("utterance failed", slog.String("ticket", out.Ticket), slog.String("source", SourceKind(it.req.Source)), slogError(perr))
	default:
		out.Status = OutcomePlayed
	}
	if q.utterances != nil {
		q.utterances.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", out.Status.String())))
	}
	q.emit(out)
	q.transition(StateIdle, it)
	q.release(it.ticket)
}

func (q *Queue) release(ts *ticketState) {
	ts.remaining--
	if ts.remaining == 0 {
		close(ts.ticket.done)
	}
}

func (q *Queue) transition(to State, it *item) {
	from := q.state
	if !canTransition(from, to) {
		q.log.Warn("invalid speech state transition", slog.String("from", from.String()), slog.String("to", to.String()))
		return
	}
	q.state = to
	q.emit(Transition{
		From:      from,
		To:        to,
		Ticket:    it.ticket.ticket.id,
		RequestID: it.req.ID,
		At:        q.clock().UTC(),
	})
}

func (q *Queue) emit(ev any) {
	if len(q.observers) == 0 {
		return
	}
	q.events = append(q.events, ev)
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// dispatch delivers events outside the queue lock so observers may call
// back into the queue.
func (q *Queue) dispatch(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-q.notify:
			q.flush()
		case <-stop:
			q.flush()
			return
		}
	}
}

func (q *Queue) flush() {
	q.mu.Lock()
	events := q.events
	q.events = nil
	q.mu.Unlock()
	for _, ev := range events {
		for _, o := range q.observers {
			switch e := ev.(type) {
			case Transition:
				o.OnTransition(e)
			case Outcome:
				o.OnOutcome(e)
			}
		}
	}
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
