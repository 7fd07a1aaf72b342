package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"deskchat/internal/domain"
)

// sessionRef is a conversation's handle on its backend session. It starts
// pending (no id) and is promoted once, by the writer, when the first
// SaveMessage returns the minted id.
type sessionRef struct {
	mu sync.Mutex
	id string
}

func newPendingRef() *sessionRef { return &sessionRef{} }

func newDurableRef(id string) *sessionRef { return &sessionRef{id: id} }

func (r *sessionRef) ID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.id
}

func (r *sessionRef) Pending() bool { return r.ID() == "" }

func (r *sessionRef) promote(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.id != "" || id == "" {
		return false
	}
	r.id = id
	return true
}

type job struct {
	op  string
	ref *sessionRef
	run func(ctx context.Context) error
}

// writer runs every store call on one goroutine in submission order.
// Because a save for a pending ref completes before the next job starts,
// at most one creating SaveMessage is ever in flight per conversation.
type writer struct {
	store   domain.SessionStore
	logger  *slog.Logger
	timeout time.Duration

	onAdopt func(ref *sessionRef, id string)
	onFail  func(ref *sessionRef, op string, err error)

	mu     sync.Mutex
	queue  []job
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newWriter(store domain.SessionStore, logger *slog.Logger, timeout time.Duration) *writer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &writer{
		store:   store,
		logger:  logger,
		timeout: timeout,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (w *writer) start() { go w.loop() }

func (w *writer) loop() {
	defer close(w.done)
	for {
		w.mu.Lock()
		if len(w.queue) == 0 {
			closed := w.closed
			w.mu.Unlock()
			if closed {
				return
			}
			<-w.wake
			continue
		}
		j := w.queue[0]
		w.queue[0] = job{}
		w.queue = w.queue[1:]
		w.mu.Unlock()

		w.runJob(j)
	}
}

func (w *writer) runJob(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	if err := j.run(ctx); err != nil && j.ref != nil {
		w.logger.Error("session store write failed", "op", j.op, "session", j.ref.ID(), "error", err)
		if w.onFail != nil {
			w.onFail(j.ref, j.op, err)
		}
	}
}

// enqueue never blocks, so callers may hold their own locks.
func (w *writer) enqueue(j job) bool {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		w.logger.Warn("session store write dropped after shutdown", "op", j.op)
		return false
	}
	w.queue = append(w.queue, j)
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
	return true
}

// save appends msg to ref's session, minting the session when ref is pending.
func (w *writer) save(ref *sessionRef, email string, msg domain.PersistedMessage) {
	w.enqueue(job{op: "save_message", ref: ref, run: func(ctx context.Context) error {
		id := ref.ID()
		got, err := w.store.SaveMessage(ctx, id, email, msg)
		if err != nil {
			return err
		}
		if id == "" {
			if got == "" {
				return fmt.Errorf("save message: backend returned no session id")
			}
			if ref.promote(got) && w.onAdopt != nil {
				w.onAdopt(ref, got)
			}
		}
		return nil
	}})
}

// close marks ref's session closed. A session that was never created has
// nothing to close.
func (w *writer) close(ref *sessionRef) {
	w.enqueue(job{op: "close_session", ref: ref, run: func(ctx context.Context) error {
		id := ref.ID()
		if id == "" {
			w.logger.Debug("close skipped for a session that was never saved")
			return nil
		}
		return w.store.CloseSession(ctx, id)
	}})
}

// do runs fn on the writer goroutine and waits for its result.
func (w *writer) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	result := make(chan error, 1)
	ok := w.enqueue(job{op: op, run: func(jctx context.Context) error {
		result <- fn(jctx)
		return nil
	}})
	if !ok {
		return fmt.Errorf("%s: writer stopped", op)
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// flush waits until every job queued before the call has run.
func (w *writer) flush(ctx context.Context) error {
	return w.do(ctx, "flush", func(context.Context) error { return nil })
}

// stop lets queued jobs finish, then ends the goroutine.
func (w *writer) stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		select {
		case w.wake <- struct{}{}:
		default:
		}
	}
	w.mu.Unlock()
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
