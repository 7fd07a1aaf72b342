// Package conversation owns one user's active chat: the message list, the
// waiting indicator, the reservation forms and the session lifecycle. It
// talks to the NLU backend and the session store through domain ports and
// publishes every visible change on the event bus.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"deskchat/internal/bus"
	"deskchat/internal/catalog"
	"deskchat/internal/clock"
	"deskchat/internal/domain"
	"deskchat/internal/metrics"
	"deskchat/internal/reservation"
	"deskchat/internal/waiting"
)

var (
	ErrNoUser        = errors.New("no user is logged in")
	ErrSessionClosed = errors.New("session is closed")
	ErrEmptyMessage  = errors.New("message is empty")
	ErrNoButton      = errors.New("no such quick action")
	ErrInputLocked   = errors.New("conversation has ended, start a new one")
	ErrEmptyTitle    = errors.New("title is empty")
)

// ElapsedThreshold is how long a reply must take before its latency is
// shown next to it.
const ElapsedThreshold = 20 * time.Second

// State is the orchestrator's coarse state, for status lines and tests.
type State string

const (
	StateIdle              State = "idle"
	StateAwaitingReply     State = "awaiting_reply"
	StateReservationActive State = "reservation_active"
	StateHumanHandoff      State = "human_handoff"
	StateClosed            State = "closed"
)

// Config wires an Orchestrator. Store, NLU and UserEmail are required for
// sending; the rest default.
type Config struct {
	Store     domain.SessionStore
	NLU       domain.NLUGateway
	Notifier  domain.Notifier
	Catalog   *catalog.Catalog
	Clock     clock.Clock
	Bus       *bus.EventBus
	Metrics   *metrics.Conversation
	Logger    *slog.Logger
	UserEmail string

	WaitDelay    time.Duration
	WaitInterval time.Duration
	WriteTimeout time.Duration
}

// Snapshot is a point-in-time copy of everything a renderer needs.
type Snapshot struct {
	SessionID      string
	Pending        bool
	Messages       []domain.Message
	Active         bool
	Handoff        bool
	Loading        bool
	AwaitingButton bool
	InputLocked    bool
	NLUFailed      bool
	PersistFailed  bool
	Waiting        waiting.State
	Reservation    reservation.Kind
	State          State
}

type Orchestrator struct {
	cfg     Config
	logger  *slog.Logger
	clock   clock.Clock
	cat     *catalog.Catalog
	waiting *waiting.Indicator
	forms   *reservation.Controller
	writer  *writer

	// ref is read by timer and writer callbacks without mu.
	ref atomic.Pointer[sessionRef]

	mu             sync.Mutex
	messages       []domain.Message
	active         bool
	handoff        bool
	loading        bool
	awaitingButton bool
	inputLocked    bool
	nluFailed      bool
	persistFailed  bool
	startTime      time.Time

	// Events raised while mu is held are batched and emitted after unlock.
	evMu     sync.Mutex
	batching bool
	batch    []bus.Event
}

func New(cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Catalog == nil {
		cfg.Catalog = catalog.Default()
	}
	if cfg.Bus == nil {
		cfg.Bus = bus.NewEventBus(cfg.Logger)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewConversation(metrics.NewRegistry())
	}

	o := &Orchestrator{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "conversation"),
		clock:  cfg.Clock,
		cat:    cfg.Catalog,
		forms:  reservation.NewController(cfg.Catalog.FeatureOptions),
		active: true,
	}
	o.ref.Store(newPendingRef())
	o.waiting = waiting.New(waiting.Config{
		Clock:    cfg.Clock,
		Hints:    cfg.Catalog.Hints,
		OnChange: o.onWaitingChange,
	})
	o.writer = newWriter(cfg.Store, o.logger, cfg.WriteTimeout)
	o.writer.onAdopt = o.onAdopt
	o.writer.onFail = o.onPersistFail
	o.writer.start()
	return o
}

// Bus returns the bus events are published on.
func (o *Orchestrator) Bus() *bus.EventBus { return o.cfg.Bus }

// --- locking and event batching ---

func (o *Orchestrator) lock() {
	o.mu.Lock()
	o.evMu.Lock()
	o.batching = true
	o.evMu.Unlock()
}

func (o *Orchestrator) unlock() {
	o.evMu.Lock()
	evs := o.batch
	o.batch = nil
	o.batching = false
	o.evMu.Unlock()
	o.mu.Unlock()
	for _, ev := range evs {
		o.cfg.Bus.Emit(ev)
	}
}

func (o *Orchestrator) publish(eventType string, payload map[string]any) {
	ev := bus.Event{
		Type:      eventType,
		SessionID: o.ref.Load().ID(),
		Payload:   payload,
		Timestamp: o.clock.Now(),
	}
	o.evMu.Lock()
	if o.batching {
		o.batch = append(o.batch, ev)
		o.evMu.Unlock()
		return
	}
	o.evMu.Unlock()
	o.cfg.Bus.Emit(ev)
}

func (o *Orchestrator) onWaitingChange(s waiting.State) {
	if s.LongWaiting {
		o.cfg.Metrics.Waiting.Set(1)
	} else {
		o.cfg.Metrics.Waiting.Set(0)
	}
	o.publish(bus.EventWaitingChanged, map[string]any{"long_waiting": s.LongWaiting, "hint": s.HintText})
}

func (o *Orchestrator) onAdopt(ref *sessionRef, id string) {
	o.lock()
	defer o.unlock()
	if ref != o.ref.Load() {
		return
	}
	o.logger.Info("session adopted", "session", id)
	o.publish(bus.EventSessionAdopted, map[string]any{"session_id": id})
}

func (o *Orchestrator) onPersistFail(ref *sessionRef, op string, err error) {
	o.cfg.Metrics.PersistFailures.Inc()
	o.lock()
	defer o.unlock()
	if ref != o.ref.Load() {
		return
	}
	o.persistFailed = true
	o.publish(bus.EventPersistFailed, map[string]any{"op": op, "error": err.Error()})
}

// --- user turns ---

// Send appends a user turn, persists it and forwards it to the NLU
// backend. Replies are received in order before Send returns.
func (o *Orchestrator) Send(ctx context.Context, text string) error {
	return o.send(ctx, text, text)
}

// Press sends quick action i of the latest bot message: its title is shown
// as the user turn and its payload goes to the NLU backend.
func (o *Orchestrator) Press(ctx context.Context, i int) error {
	o.mu.Lock()
	var buttons []domain.Button
	for j := len(o.messages) - 1; j >= 0; j-- {
		if o.messages[j].Role == domain.RoleBot {
			buttons = o.messages[j].Buttons
			break
		}
	}
	o.mu.Unlock()

	if i < 0 || i >= len(buttons) {
		return fmt.Errorf("%w: %d", ErrNoButton, i)
	}
	b := buttons[i]
	payload := b.Payload
	if payload == "" {
		payload = b.Title
	}
	return o.send(ctx, b.Title, payload)
}

// SubmitForm renders the active reservation form and sends the sentence.
func (o *Orchestrator) SubmitForm(ctx context.Context) error {
	o.mu.Lock()
	err := o.checkSendableLocked()
	o.mu.Unlock()
	if err != nil {
		return err
	}
	sentence, err := o.forms.Submit()
	if err != nil {
		return err
	}
	return o.Send(ctx, sentence)
}

func (o *Orchestrator) checkSendableLocked() error {
	switch {
	case o.cfg.UserEmail == "":
		return ErrNoUser
	case !o.active:
		return ErrSessionClosed
	case o.inputLocked:
		return ErrInputLocked
	}
	return nil
}

func (o *Orchestrator) send(ctx context.Context, display, payload string) error {
	display = strings.TrimSpace(display)
	if display == "" {
		return ErrEmptyMessage
	}

	o.lock()
	if err := o.checkSendableLocked(); err != nil {
		o.unlock()
		if errors.Is(err, ErrNoUser) {
			o.logger.Warn("message not sent: no user email configured")
		}
		return err
	}

	now := o.clock.Now()
	o.waiting.Disarm()
	msg := domain.NewMessage(domain.RoleUser, display, now)
	cls := Classify(msg, o.cat)
	o.appendLocked(msg)
	o.startTime = now
	o.loading = true
	o.nluFailed = false
	o.waiting.Arm(o.cfg.WaitDelay, o.cfg.WaitInterval)

	closing := cls.Signal == SignalClosing
	if closing {
		o.closeLocked()
	}
	email := o.cfg.UserEmail
	o.unlock()

	o.cfg.Metrics.UserMessages.Inc()
	if closing {
		o.notify(ctx, domain.NotifySessionClosed, display)
	}

	replies, err := o.cfg.NLU.Send(ctx, payload, email)
	if err != nil {
		o.cfg.Metrics.NLUFailures.Inc()
		o.logger.Error("nlu request failed", "error", err)
		o.lock()
		o.waiting.Disarm()
		o.loading = false
		o.nluFailed = true
		o.publish(bus.EventNLUFailed, map[string]any{"error": err.Error()})
		o.unlock()
		return fmt.Errorf("send to nlu: %w", err)
	}

	for _, r := range replies {
		o.Receive(ctx, r)
	}
	return nil
}

// --- bot turns ---

// Receive applies one bot reply: elapsed time, persistence, quick-action
// wait, form activation, sticky handoff, document-search re-arm and end
// intents, in that order.
func (o *Orchestrator) Receive(ctx context.Context, reply domain.BotReply) {
	o.lock()
	now := o.clock.Now()
	o.waiting.Disarm()

	msg := reply.ToMessage(now)
	var latency time.Duration
	if !o.startTime.IsZero() {
		latency = now.Sub(o.startTime)
		if latency > ElapsedThreshold {
			// Rounded up so a shown value is always above the threshold.
			secs := int(math.Ceil(latency.Seconds()))
			msg.ElapsedSeconds = &secs
		}
	}
	cls := Classify(msg, o.cat)
	o.appendLocked(msg)

	o.awaitingButton = cls.AwaitingButton
	o.loading = cls.AwaitingButton

	if o.forms.Apply(cls.Form, msg.Custom) {
		o.publish(bus.EventReservationChanged, map[string]any{"kind": string(cls.Form)})
	}

	handedOff := false
	if cls.Signal == SignalHandoff && !o.handoff {
		o.handoff = true
		handedOff = true
		o.publish(bus.EventHandoffDetected, map[string]any{"text": msg.Text})
	}

	if cls.Signal == SignalDocumentSearch {
		o.startTime = now
		o.loading = true
		o.waiting.Arm(o.cfg.WaitDelay, o.cfg.WaitInterval)
	}

	if cls.EndIntent && !o.inputLocked {
		o.inputLocked = true
		o.publish(bus.EventInputLocked, map[string]any{"intent": msg.Intent})
	}
	o.unlock()

	o.cfg.Metrics.BotReplies.Inc()
	if latency > 0 {
		o.cfg.Metrics.ReplyLatency.Observe(latency.Seconds())
	}
	if handedOff {
		o.cfg.Metrics.Handoffs.Inc()
		o.logger.Info("operator handoff detected", "session", o.ref.Load().ID())
		o.notify(ctx, domain.NotifyHandoff, msg.Text)
	}
}

func (o *Orchestrator) appendLocked(msg domain.Message) {
	if n := len(o.messages); n > 0 && msg.SentAt.Before(o.messages[n-1].SentAt) {
		msg.SentAt = o.messages[n-1].SentAt
	}
	o.messages = append(o.messages, msg)
	o.writer.save(o.ref.Load(), o.cfg.UserEmail, domain.NewPersistedMessage(o.cfg.UserEmail, msg))
	o.publish(bus.EventMessageAppended, map[string]any{"index": len(o.messages) - 1, "role": string(msg.Role)})
}

func (o *Orchestrator) notify(ctx context.Context, typ domain.NotificationType, text string) {
	if o.cfg.Notifier == nil {
		return
	}
	n := domain.Notification{
		Type:      typ,
		SessionID: o.ref.Load().ID(),
		UserEmail: o.cfg.UserEmail,
		Text:      text,
		At:        o.clock.Now(),
	}
	if err := o.cfg.Notifier.Notify(ctx, n); err != nil {
		o.logger.Warn("notification failed", "type", typ, "error", err)
	}
}

// --- session lifecycle ---

// Close marks the current session closed. Closing twice is a no-op.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.lock()
	if !o.active {
		o.unlock()
		return nil
	}
	o.waiting.Disarm()
	o.loading = false
	o.closeLocked()
	o.unlock()
	o.notify(ctx, domain.NotifySessionClosed, "")
	return nil
}

// closeLocked leaves the indicator alone: a closing user turn still waits
// for the bot's farewell.
func (o *Orchestrator) closeLocked() {
	o.active = false
	o.writer.close(o.ref.Load())
	o.cfg.Metrics.SessionsClosed.Inc()
	o.publish(bus.EventSessionClosed, nil)
}

// NewConversation abandons the in-memory conversation and starts a pending
// one. Nothing is persisted until the first message.
func (o *Orchestrator) NewConversation() {
	o.lock()
	defer o.unlock()
	o.resetLocked(newPendingRef(), nil, true)
	o.publish(bus.EventSessionLoaded, map[string]any{"messages": 0})
}

func (o *Orchestrator) resetLocked(ref *sessionRef, msgs []domain.Message, active bool) {
	o.waiting.Disarm()
	o.forms.Clear()
	o.ref.Store(ref)
	o.messages = msgs
	o.active = active
	o.handoff = false
	o.loading = false
	o.awaitingButton = false
	o.inputLocked = false
	o.nluFailed = false
	o.persistFailed = false
	o.startTime = time.Time{}
}

// LoadSession replaces the conversation with a stored session. Messages of
// a closed session load disabled; handoff and the latest form are derived
// from the loaded bot turns.
func (o *Orchestrator) LoadSession(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("load session: %w", domain.ErrSessionNotFound)
	}
	var hist domain.History
	err := o.writer.do(ctx, "load_history", func(ctx context.Context) error {
		var err error
		hist, err = o.cfg.Store.LoadHistory(ctx, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("load session %s: %w", id, err)
	}

	msgs := make([]domain.Message, 0, len(hist.Messages))
	handoff := false
	var last *domain.Message
	for _, p := range hist.Messages {
		m := p.ToMessage()
		m.Disabled = !hist.Active
		msgs = append(msgs, m)
		if m.Role == domain.RoleBot && Classify(m, o.cat).Signal == SignalHandoff {
			handoff = true
		}
	}
	if n := len(msgs); n > 0 {
		last = &msgs[n-1]
	}

	o.lock()
	defer o.unlock()
	o.resetLocked(newDurableRef(id), msgs, hist.Active)
	o.handoff = handoff
	if hist.Active && last != nil && last.Role == domain.RoleBot {
		cls := Classify(*last, o.cat)
		o.forms.Apply(cls.Form, last.Custom)
		o.awaitingButton = cls.AwaitingButton
		o.loading = cls.AwaitingButton
	}
	o.logger.Info("session loaded", "session", id, "messages", len(msgs), "active", hist.Active)
	o.publish(bus.EventSessionLoaded, map[string]any{"messages": len(msgs), "active": hist.Active})
	return nil
}

// ListSessions returns the user's sessions, filtered by a case-insensitive
// match on title or id when query is non-empty.
func (o *Orchestrator) ListSessions(ctx context.Context, query string) ([]domain.SessionSummary, error) {
	if o.cfg.UserEmail == "" {
		return nil, ErrNoUser
	}
	var all []domain.SessionSummary
	err := o.writer.do(ctx, "list_sessions", func(ctx context.Context) error {
		var err error
		all, err = o.cfg.Store.ListSessions(ctx, o.cfg.UserEmail)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	out := make([]domain.SessionSummary, 0, len(all))
	for _, s := range all {
		if s.MatchesQuery(query) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (o *Orchestrator) RenameSession(ctx context.Context, id, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return ErrEmptyTitle
	}
	err := o.writer.do(ctx, "rename_session", func(ctx context.Context) error {
		return o.cfg.Store.RenameSession(ctx, id, title)
	})
	if err != nil {
		return fmt.Errorf("rename session %s: %w", id, err)
	}
	return nil
}

// DeleteSession removes a stored session. Deleting the current session
// starts a new conversation.
func (o *Orchestrator) DeleteSession(ctx context.Context, id string) error {
	err := o.writer.do(ctx, "delete_session", func(ctx context.Context) error {
		return o.cfg.Store.DeleteSession(ctx, id)
	})
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	if o.ref.Load().ID() == id {
		o.NewConversation()
	}
	return nil
}

// --- inspection ---

// Form returns the active reservation form, or nil.
func (o *Orchestrator) Form() reservation.Form { return o.forms.Current() }

// Snapshot copies the conversation for rendering.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	msgs := make([]domain.Message, len(o.messages))
	copy(msgs, o.messages)
	id := o.ref.Load().ID()
	return Snapshot{
		SessionID:      id,
		Pending:        id == "",
		Messages:       msgs,
		Active:         o.active,
		Handoff:        o.handoff,
		Loading:        o.loading,
		AwaitingButton: o.awaitingButton,
		InputLocked:    o.inputLocked,
		NLUFailed:      o.nluFailed,
		PersistFailed:  o.persistFailed,
		Waiting:        o.waiting.State(),
		Reservation:    o.forms.Active(),
		State:          o.stateLocked(),
	}
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stateLocked()
}

func (o *Orchestrator) stateLocked() State {
	switch {
	case !o.active:
		return StateClosed
	case o.handoff:
		return StateHumanHandoff
	case o.forms.Active() != reservation.KindNone:
		return StateReservationActive
	case o.loading:
		return StateAwaitingReply
	default:
		return StateIdle
	}
}

// Flush waits for every queued store write to finish.
func (o *Orchestrator) Flush(ctx context.Context) error { return o.writer.flush(ctx) }

// Shutdown disarms the indicator and drains pending writes.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.lock()
	o.waiting.Disarm()
	o.unlock()
	if err := o.writer.stop(ctx); err != nil {
		return fmt.Errorf("drain session writes: %w", err)
	}
	return nil
}
