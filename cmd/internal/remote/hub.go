package remote

import (
	"log/slog"
	"sync"
	"time"
)

const defaultListenerQueue = 64

// listener is one change-feed subscription with its own delivery goroutine.
//
// Design notes:
//   - queue is never closed; done signals shutdown (same discipline as a websocket client send queue).
//   - offer never blocks: a full queue terminates the listener with ErrSlowConsumer
//     instead of dropping records, since a dropped push would leave a permanent gap.
//   - after is advanced under mu, so overlapping backlog and live batches are delivered once.
type listener struct {
	convID  string
	onBatch func([]Record)
	onError func(error)

	mu    sync.Mutex
	after time.Time

	queue chan []Record

	done      chan struct{}
	closeOnce sync.Once
	failErr   error

	onCancel func(*listener)
}

func newListener(in SubscribeInput, queueSize int, onCancel func(*listener)) *listener {
	if queueSize <= 0 {
		queueSize = defaultListenerQueue
	}
	l := &listener{
		convID:   in.ConversationID,
		onBatch:  in.OnBatch,
		onError:  in.OnError,
		after:    in.After,
		queue:    make(chan []Record, queueSize),
		done:     make(chan struct{}),
		onCancel: onCancel,
	}
	go l.run()
	return l
}

// watermark returns the newest CreatedAt delivered so far (or the subscribe watermark).
func (l *listener) watermark() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.after
}

// offer enqueues the records newer than the watermark. Input must be ascending by CreatedAt.
func (l *listener) offer(recs []Record) {
	l.mu.Lock()
	fresh := make([]Record, 0, len(recs))
	for _, r := range recs {
		if r.CreatedAt.After(l.after) {
			fresh = append(fresh, r)
			l.after = r.CreatedAt
		}
	}
	l.mu.Unlock()

	if len(fresh) == 0 {
		return
	}

	select {
	case <-l.done:
		return
	default:
	}

	select {
	case l.queue <- fresh:
	default:
		l.fail(ErrSlowConsumer)
	}
}

func (l *listener) run() {
	for {
		select {
		case <-l.done:
			if l.failErr != nil && l.onError != nil {
				l.onError(l.failErr)
			}
			return
		case batch := <-l.queue:
			// Cancellation wins over queued batches.
			select {
			case <-l.done:
				continue
			default:
			}
			if l.onBatch != nil {
				l.onBatch(batch)
			}
		}
	}
}

// fail terminates the listener and reports err through onError.
func (l *listener) fail(err error) {
	l.shutdown(err)
}

// Cancel stops delivery (idempotent). No error is reported.
func (l *listener) Cancel() {
	l.shutdown(nil)
}

func (l *listener) shutdown(err error) {
	if l == nil {
		return
	}
	l.closeOnce.Do(func() {
		l.failErr = err
		close(l.done)
		if l.onCancel != nil {
			l.onCancel(l)
		}
	})
}

// hub owns live listeners keyed by conversation and fans appended records out to them.
// It is intentionally minimal: persistence and backlog reads live in the stores.
type hub struct {
	log       *slog.Logger
	queueSize int

	mu    sync.RWMutex
	convs map[string]map[*listener]struct{}
}

func newHub(log *slog.Logger, queueSize int) *hub {
	return &hub{
		log:       log,
		queueSize: queueSize,
		convs:     make(map[string]map[*listener]struct{}),
	}
}

// add registers a listener for in.ConversationID.
func (h *hub) add(in SubscribeInput) *listener {
	l := newListener(in, h.queueSize, h.remove)

	h.mu.Lock()
	set := h.convs[in.ConversationID]
	if set == nil {
		set = make(map[*listener]struct{})
		h.convs[in.ConversationID] = set
	}
	set[l] = struct{}{}
	h.mu.Unlock()

	h.log.Debug("feed.listener.add", "conversation_id", in.ConversationID, "after", in.After)
	return l
}

func (h *hub) remove(l *listener) {
	h.mu.Lock()
	if set := h.convs[l.convID]; set != nil {
		delete(set, l)
		if len(set) == 0 {
			delete(h.convs, l.convID)
		}
	}
	h.mu.Unlock()

	h.log.Debug("feed.listener.remove", "conversation_id", l.convID)
}

// listeners returns a snapshot of the live listeners of a conversation.
func (h *hub) listeners(convID string) []*listener {
	h.mu.RLock()
	defer h.mu.RUnlock()

	set := h.convs[convID]
	out := make([]*listener, 0, len(set))
	for l := range set {
		out = append(out, l)
	}
	return out
}

// conversations returns the ids that currently have listeners.
func (h *hub) conversations() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]string, 0, len(h.convs))
	for id := range h.convs {
		out = append(out, id)
	}
	return out
}

// publish offers recs (ascending) to every listener of convID. Never blocks.
func (h *hub) publish(convID string, recs []Record) {
	for _, l := range h.listeners(convID) {
		l.offer(recs)
	}
}

// failAll terminates every listener with err.
func (h *hub) failAll(err error) {
	h.mu.RLock()
	all := make([]*listener, 0)
	for _, set := range h.convs {
		for l := range set {
			all = append(all, l)
		}
	}
	h.mu.RUnlock()

	for _, l := range all {
		l.fail(err)
	}
}
