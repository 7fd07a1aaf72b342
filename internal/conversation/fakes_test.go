package conversation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"deskchat/internal/bus"
	"deskchat/internal/catalog"
	"deskchat/internal/clock"
	"deskchat/internal/domain"
)

var t0 = time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type saveCall struct {
	SessionID string
	Email     string
	Msg       domain.PersistedMessage
}

// fakeStore is an in-memory SessionStore that records every call.
type fakeStore struct {
	mu       sync.Mutex
	mintID   string
	saves    []saveCall
	closes   []string
	renames  map[string]string
	deleted  []string
	history  map[string]domain.History
	sessions []domain.SessionSummary
	saveErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		mintID:  "S1",
		renames: make(map[string]string),
		history: make(map[string]domain.History),
	}
}

func (s *fakeStore) ListSessions(_ context.Context, email string) ([]domain.SessionSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.SessionSummary
	for _, ss := range s.sessions {
		if ss.OwnerEmail == email {
			out = append(out, ss)
		}
	}
	return out, nil
}

func (s *fakeStore) LoadHistory(_ context.Context, id string) (domain.History, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.history[id]
	if !ok {
		return domain.History{}, domain.ErrSessionNotFound
	}
	return h, nil
}

func (s *fakeStore) SaveMessage(_ context.Context, id, email string, msg domain.PersistedMessage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves = append(s.saves, saveCall{SessionID: id, Email: email, Msg: msg})
	if s.saveErr != nil {
		return "", s.saveErr
	}
	if id == "" {
		return s.mintID, nil
	}
	return id, nil
}

func (s *fakeStore) CloseSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes = append(s.closes, id)
	return nil
}

func (s *fakeStore) RenameSession(_ context.Context, id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.renames[id] = title
	return nil
}

func (s *fakeStore) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, id)
	return nil
}

func (s *fakeStore) savedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, len(s.saves))
	for i, c := range s.saves {
		ids[i] = c.SessionID
	}
	return ids
}

// fakeNLU returns scripted replies. latency is added to the fake clock
// before replying.
type fakeNLU struct {
	mu      sync.Mutex
	clock   *clock.Fake
	latency time.Duration
	replies [][]domain.BotReply
	sent    []string
	err     error
}

func (g *fakeNLU) Send(_ context.Context, text, email string) ([]domain.BotReply, error) {
	g.mu.Lock()
	g.sent = append(g.sent, text)
	var out []domain.BotReply
	if len(g.replies) > 0 {
		out = g.replies[0]
		g.replies = g.replies[1:]
	}
	latency, err := g.latency, g.err
	g.mu.Unlock()

	if latency > 0 && g.clock != nil {
		g.clock.Advance(latency)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (g *fakeNLU) script(replies ...[]domain.BotReply) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.replies = append(g.replies, replies...)
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []domain.Notification
}

func (n *fakeNotifier) Notify(_ context.Context, note domain.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, note)
	return nil
}

func (n *fakeNotifier) types() []domain.NotificationType {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []domain.NotificationType
	for _, s := range n.sent {
		out = append(out, s.Type)
	}
	return out
}

type harness struct {
	o      *Orchestrator
	clock  *clock.Fake
	store  *fakeStore
	nlu    *fakeNLU
	notify *fakeNotifier
	events *eventLog
}

type eventLog struct {
	mu     sync.Mutex
	events []bus.Event
}

func (l *eventLog) record(ev bus.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) count(eventType string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := clock.NewFake(t0)
	h := &harness{
		clock:  clk,
		store:  newFakeStore(),
		nlu:    &fakeNLU{clock: clk},
		notify: &fakeNotifier{},
		events: &eventLog{},
	}
	b := bus.NewEventBus(testLogger())
	b.On(bus.Wildcard, h.events.record)
	h.o = New(Config{
		Store:     h.store,
		NLU:       h.nlu,
		Notifier:  h.notify,
		Catalog:   catalog.Default(),
		Clock:     clk,
		Bus:       b,
		Logger:    testLogger(),
		UserEmail: "andre@example.com",
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.o.Shutdown(ctx)
	})
	return h
}

// indicatorArmed reports whether a waiting delay or rotation is pending.
// The indicator is the only fake clock timer user.
func indicatorArmed(h *harness) bool {
	return h.clock.Pending() > 0
}

func (h *harness) flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.o.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func text(s string) domain.BotReply { return domain.BotReply{Text: s} }

var errBackend = errors.New("backend unavailable")

func ptr[T any](v T) *T { return &v }

func mustSend(t *testing.T, o *Orchestrator, s string) {
	t.Helper()
	if err := o.Send(context.Background(), s); err != nil {
		t.Fatalf("Send(%q): %v", s, err)
	}
}

func lastMessage(t *testing.T, o *Orchestrator) domain.Message {
	t.Helper()
	snap := o.Snapshot()
	if len(snap.Messages) == 0 {
		t.Fatal("no messages")
	}
	return snap.Messages[len(snap.Messages)-1]
}

func describe(ids []string) string { return fmt.Sprintf("%q", ids) }
