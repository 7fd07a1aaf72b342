package conversation

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"deskchat/internal/bus"
	"deskchat/internal/catalog"
	"deskchat/internal/clock"
	"deskchat/internal/domain"
	"deskchat/internal/reservation"
)

func TestSend_ArmsIndicatorAndReplyDisarms(t *testing.T) {
	h := newHarness(t)

	mustSend(t, h.o, "ciao")
	if !indicatorArmed(h) {
		t.Fatal("indicator should be armed after a user message")
	}
	if got := h.o.State(); got != StateAwaitingReply {
		t.Fatalf("state = %s, want %s", got, StateAwaitingReply)
	}

	h.o.Receive(context.Background(), text("Ciao, come posso aiutarti?"))
	if indicatorArmed(h) {
		t.Fatal("indicator should be disarmed after a bot message")
	}
	if got := h.o.State(); got != StateIdle {
		t.Fatalf("state = %s, want %s", got, StateIdle)
	}
}

func TestWaiting_RevealsAndRotatesHints(t *testing.T) {
	h := newHarness(t)
	hints := catalog.Default().Hints

	mustSend(t, h.o, "quante sale ci sono?")
	h.clock.Advance(19 * time.Second)
	if h.o.Snapshot().Waiting.LongWaiting {
		t.Fatal("hint shown before the delay")
	}

	h.clock.Advance(time.Second)
	w := h.o.Snapshot().Waiting
	if !w.LongWaiting || w.HintText != hints[0] {
		t.Fatalf("after delay got %+v, want first hint", w)
	}

	h.clock.Advance(10 * time.Second)
	if got := h.o.Snapshot().Waiting.HintText; got != hints[1] {
		t.Fatalf("after one interval got %q, want %q", got, hints[1])
	}
	if h.events.count(bus.EventWaitingChanged) < 2 {
		t.Fatal("expected waiting.changed events")
	}

	h.o.Receive(context.Background(), text("Ci sono 4 sale"))
	if h.o.Snapshot().Waiting.LongWaiting {
		t.Fatal("bot reply should clear the hint")
	}
}

func TestReceive_ElapsedSecondsThreshold(t *testing.T) {
	tests := []struct {
		latency time.Duration
		want    *int
	}{
		{21 * time.Second, ptr(21)},
		{20 * time.Second, nil},
		{20*time.Second + 400*time.Millisecond, ptr(21)},
		{3 * time.Second, nil},
		{95*time.Second + 600*time.Millisecond, ptr(96)},
	}
	for _, tt := range tests {
		t.Run(tt.latency.String(), func(t *testing.T) {
			h := newHarness(t)
			h.nlu.latency = tt.latency
			h.nlu.script([]domain.BotReply{text("pronto")})

			mustSend(t, h.o, "prenota una sala")
			got := lastMessage(t, h.o).ElapsedSeconds
			switch {
			case tt.want == nil && got != nil:
				t.Fatalf("elapsed = %d, want absent", *got)
			case tt.want != nil && (got == nil || *got != *tt.want):
				t.Fatalf("elapsed = %v, want %d", got, *tt.want)
			}
		})
	}
}

func TestReceive_ReservationFollowsLatestCustomType(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.o.Receive(ctx, domain.BotReply{Text: "Scegli la data", Custom: map[string]any{"type": "date_picker"}})
	if h.o.State() != StateReservationActive {
		t.Fatalf("state = %s, want reservation active", h.o.State())
	}
	if _, ok := h.o.Form().(*reservation.DateForm); !ok {
		t.Fatalf("expected a date form, got %T", h.o.Form())
	}

	h.o.Receive(ctx, text("Perfetto"))
	if h.o.Form() != nil || h.o.Snapshot().Reservation != reservation.KindNone {
		t.Fatal("a reply without custom should clear the sub-flow")
	}
	if h.events.count(bus.EventReservationChanged) != 2 {
		t.Fatalf("expected 2 reservation.changed events, got %d", h.events.count(bus.EventReservationChanged))
	}
}

func TestReceive_HandoffIsSticky(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.o.Receive(ctx, text("Ti metto in contatto con un OPERATORE"))
	h.o.Receive(ctx, text("Resta in linea"))
	h.o.Receive(ctx, domain.BotReply{Text: "Seleziona", Custom: map[string]any{"type": "headcount"}})

	snap := h.o.Snapshot()
	if !snap.Handoff || snap.State != StateHumanHandoff {
		t.Fatalf("handoff should stay set, got %+v", snap.State)
	}
	if n := h.events.count(bus.EventHandoffDetected); n != 1 {
		t.Fatalf("handoff.detected emitted %d times, want 1", n)
	}
	if got := h.notify.types(); !slices.Equal(got, []domain.NotificationType{domain.NotifyHandoff}) {
		t.Fatalf("notifications = %v", got)
	}
}

func TestPersistence_AdoptsMintedSessionID(t *testing.T) {
	h := newHarness(t)
	h.nlu.script([]domain.BotReply{text("b")}, []domain.BotReply{text("d"), text("e")})

	mustSend(t, h.o, "a")
	mustSend(t, h.o, "c")
	h.flush(t)

	want := []string{"", "S1", "S1", "S1", "S1"}
	if got := h.store.savedIDs(); !slices.Equal(got, want) {
		t.Fatalf("save targets = %q, want %q", got, want)
	}
	snap := h.o.Snapshot()
	if snap.SessionID != "S1" || snap.Pending {
		t.Fatalf("session id = %q pending=%v", snap.SessionID, snap.Pending)
	}
	if n := h.events.count(bus.EventSessionAdopted); n != 1 {
		t.Fatalf("session.adopted emitted %d times", n)
	}
}

func TestPersistence_QueuedWritesWaitForID(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Several turns land before the writer runs anything.
	h.o.Receive(ctx, text("benvenuto"))
	h.o.Receive(ctx, text("come posso aiutarti?"))
	mustSend(t, h.o, "ciao")
	h.flush(t)

	ids := h.store.savedIDs()
	if ids[0] != "" {
		t.Fatalf("first save should create the session, got %q", ids[0])
	}
	for i, id := range ids[1:] {
		if id != "S1" {
			t.Fatalf("save %d targeted %q, want S1 (all: %s)", i+1, id, describe(ids))
		}
	}
}

func TestPersistence_FailureSetsIndicator(t *testing.T) {
	h := newHarness(t)
	h.store.saveErr = errBackend

	mustSend(t, h.o, "ciao")
	h.flush(t)

	snap := h.o.Snapshot()
	if !snap.PersistFailed {
		t.Fatal("expected the persistence failure flag")
	}
	if len(snap.Messages) != 1 {
		t.Fatal("the message should stay in memory")
	}
	if h.events.count(bus.EventPersistFailed) == 0 {
		t.Fatal("expected a persist.failed event")
	}
}

func TestClose_IsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	mustSend(t, h.o, "ciao")
	if err := h.o.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if err := h.o.Close(ctx); err != nil {
		t.Fatalf("second close: %v", err)
	}
	h.flush(t)

	if h.o.Snapshot().Active {
		t.Fatal("session should be inactive")
	}
	if !slices.Equal(h.store.closes, []string{"S1"}) {
		t.Fatalf("close calls = %v, want one for S1", h.store.closes)
	}
	if n := h.events.count(bus.EventSessionClosed); n != 1 {
		t.Fatalf("session.closed emitted %d times", n)
	}
	if err := h.o.Send(ctx, "ancora io"); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("send after close: %v", err)
	}
}

func TestSend_ClosingPhraseClosesAfterPersisting(t *testing.T) {
	h := newHarness(t)
	h.nlu.script([]domain.BotReply{text("Arrivederci!")})

	mustSend(t, h.o, "Termina la conversazione")
	h.flush(t)

	snap := h.o.Snapshot()
	if snap.Active || snap.State != StateClosed {
		t.Fatalf("session should be closed, state=%s", snap.State)
	}
	if len(snap.Messages) != 2 {
		t.Fatalf("the farewell should still be shown, got %d messages", len(snap.Messages))
	}
	if !slices.Equal(h.store.closes, []string{"S1"}) {
		t.Fatalf("close calls = %v", h.store.closes)
	}
	if got := h.notify.types(); !slices.Equal(got, []domain.NotificationType{domain.NotifySessionClosed}) {
		t.Fatalf("notifications = %v", got)
	}
}

func TestReceive_DocumentSearchAckRearms(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ack := catalog.Default().DocumentSearchAck

	mustSend(t, h.o, "cosa dice il regolamento?")
	h.clock.Advance(25 * time.Second)
	h.o.Receive(ctx, text(ack))

	if !indicatorArmed(h) {
		t.Fatal("acknowledgement should re-arm the indicator")
	}
	if h.o.Snapshot().Waiting.LongWaiting {
		t.Fatal("re-arming should start from a hidden hint")
	}
	if e := lastMessage(t, h.o).ElapsedSeconds; e == nil || *e != 25 {
		t.Fatalf("ack elapsed = %v, want 25", e)
	}

	h.clock.Advance(5 * time.Second)
	h.o.Receive(ctx, text("Secondo il regolamento..."))
	if lastMessage(t, h.o).ElapsedSeconds != nil {
		t.Fatal("start time should reset at the acknowledgement")
	}
	if indicatorArmed(h) {
		t.Fatal("the answer should disarm the indicator")
	}
}

func TestSend_GatewayFailure(t *testing.T) {
	h := newHarness(t)
	h.nlu.err = errBackend

	err := h.o.Send(context.Background(), "ciao")
	if !errors.Is(err, errBackend) {
		t.Fatalf("expected wrapped backend error, got %v", err)
	}
	snap := h.o.Snapshot()
	if !snap.NLUFailed || snap.Loading || indicatorArmed(h) {
		t.Fatalf("unexpected state after failure: %+v", snap)
	}
	if h.events.count(bus.EventNLUFailed) != 1 {
		t.Fatal("expected nlu.failed")
	}
}

func TestSend_RequiresUser(t *testing.T) {
	events := &eventLog{}
	b := bus.NewEventBus(testLogger())
	b.On(bus.Wildcard, events.record)
	nlu := &fakeNLU{}
	o := New(Config{Store: newFakeStore(), NLU: nlu, Bus: b, Clock: clock.NewFake(t0), Logger: testLogger()})
	t.Cleanup(func() { _ = o.Shutdown(context.Background()) })

	if err := o.Send(context.Background(), "ciao"); !errors.Is(err, ErrNoUser) {
		t.Fatalf("expected ErrNoUser, got %v", err)
	}
	if len(o.Snapshot().Messages) != 0 || events.count(bus.EventMessageAppended) != 0 || len(nlu.sent) != 0 {
		t.Fatal("nothing should happen without a user")
	}
	if _, err := o.ListSessions(context.Background(), ""); !errors.Is(err, ErrNoUser) {
		t.Fatalf("list without user: %v", err)
	}
}

func TestSend_RejectsEmpty(t *testing.T) {
	h := newHarness(t)
	if err := h.o.Send(context.Background(), "   "); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
}

func TestPress_SendsPayloadShowsTitle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.o.Receive(ctx, domain.BotReply{
		Text:    "Confermi la prenotazione?",
		Buttons: []domain.Button{{Title: "Sì", Payload: "/affirm"}, {Title: "No", Payload: "/deny"}},
	})
	snap := h.o.Snapshot()
	if !snap.AwaitingButton || !snap.Loading {
		t.Fatal("buttons should mark the conversation as waiting for an answer")
	}

	h.nlu.script([]domain.BotReply{text("Prenotazione confermata")})
	if err := h.o.Press(ctx, 0); err != nil {
		t.Fatal(err)
	}
	if got := h.nlu.sent[len(h.nlu.sent)-1]; got != "/affirm" {
		t.Fatalf("sent %q to the NLU, want the payload", got)
	}
	msgs := h.o.Snapshot().Messages
	if user := msgs[len(msgs)-2]; user.Role != domain.RoleUser || user.Text != "Sì" {
		t.Fatalf("user turn = %+v, want the button title", user)
	}
	if err := h.o.Press(ctx, 5); !errors.Is(err, ErrNoButton) {
		t.Fatalf("expected ErrNoButton, got %v", err)
	}
}

func TestSubmitForm_SendsCanonicalSentence(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.o.Receive(ctx, domain.BotReply{Text: "Quante persone?", Custom: map[string]any{"type": "headcount"}})
	form, ok := h.o.Form().(*reservation.HeadcountForm)
	if !ok {
		t.Fatalf("expected headcount form, got %T", h.o.Form())
	}
	if err := form.Set(5); err != nil {
		t.Fatal(err)
	}

	if err := h.o.SubmitForm(ctx); err != nil {
		t.Fatal(err)
	}
	if got := h.nlu.sent[len(h.nlu.sent)-1]; got != "Saremo in 5 persone alla riunione" {
		t.Fatalf("sent %q", got)
	}
	if err := h.o.SubmitForm(ctx); !errors.Is(err, reservation.ErrFormSubmitted) {
		t.Fatalf("second submit: %v", err)
	}
	if !h.o.Snapshot().Active {
		t.Fatal("submitting a form must not close the session")
	}
}

func TestReceive_EndIntentLocksInput(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.o.Receive(ctx, domain.BotReply{Text: "A presto!", Intent: "goodbye"})
	snap := h.o.Snapshot()
	if !snap.InputLocked || !snap.Active {
		t.Fatalf("expected locked input on an open session, got %+v", snap)
	}
	if err := h.o.Send(ctx, "ciao"); !errors.Is(err, ErrInputLocked) {
		t.Fatalf("expected ErrInputLocked, got %v", err)
	}

	h.o.NewConversation()
	if h.o.Snapshot().InputLocked {
		t.Fatal("a new conversation should unlock input")
	}
}

func TestLoadSession_ClosedSessionIsDisabled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.store.history["S9"] = domain.History{
		Active: false,
		Messages: []domain.PersistedMessage{
			{Sender: domain.RoleUser, Type: "text", Content: domain.MessageContent{Text: "aiuto"}, Timestamp: t0},
			{Sender: domain.RoleBot, Type: "text", Content: domain.MessageContent{Text: "Chiamo un operatore"}, Timestamp: t0.Add(time.Second)},
			{Sender: domain.RoleBot, Type: "date_picker", Content: domain.MessageContent{Custom: map[string]any{"type": "date_picker"}}, Timestamp: t0.Add(2 * time.Second)},
		},
	}

	if err := h.o.LoadSession(ctx, "S9"); err != nil {
		t.Fatal(err)
	}
	snap := h.o.Snapshot()
	if snap.SessionID != "S9" || snap.Active {
		t.Fatalf("unexpected session header: id=%q active=%v", snap.SessionID, snap.Active)
	}
	for i, m := range snap.Messages {
		if !m.Disabled {
			t.Fatalf("message %d should be disabled", i)
		}
	}
	if !snap.Handoff || snap.Reservation != reservation.KindNone || snap.State != StateClosed {
		t.Fatalf("derived state wrong: %+v", snap)
	}
	if err := h.o.Send(ctx, "ci sei?"); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("send on loaded closed session: %v", err)
	}
}

func TestLoadSession_ActiveSessionResumes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.store.history["S2"] = domain.History{
		Active: true,
		Messages: []domain.PersistedMessage{
			{Sender: domain.RoleBot, Type: "headcount", Content: domain.MessageContent{Custom: map[string]any{"type": "headcount"}}, Timestamp: t0},
		},
	}

	if err := h.o.LoadSession(ctx, "S2"); err != nil {
		t.Fatal(err)
	}
	if h.o.State() != StateReservationActive {
		t.Fatalf("state = %s", h.o.State())
	}
	mustSend(t, h.o, "5")
	h.flush(t)
	if ids := h.store.savedIDs(); !slices.Equal(ids, []string{"S2"}) {
		t.Fatalf("writes should target the loaded session, got %q", ids)
	}

	if err := h.o.LoadSession(ctx, "missing"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestListSessions_FiltersByQuery(t *testing.T) {
	h := newHarness(t)
	title := "Prenotazione sala Verdi"
	h.store.sessions = []domain.SessionSummary{
		{ID: "a1", Title: &title, OwnerEmail: "andre@example.com"},
		{ID: "b2", OwnerEmail: "andre@example.com"},
		{ID: "c3", OwnerEmail: "altro@example.com"},
	}

	all, err := h.o.ListSessions(context.Background(), "")
	if err != nil || len(all) != 2 {
		t.Fatalf("list = %v, %v", all, err)
	}
	got, _ := h.o.ListSessions(context.Background(), "verdi")
	if len(got) != 1 || got[0].ID != "a1" {
		t.Fatalf("filtered list = %+v", got)
	}
}

func TestRenameAndDeleteCurrentSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	mustSend(t, h.o, "ciao")
	h.flush(t)

	if err := h.o.RenameSession(ctx, "S1", "  "); !errors.Is(err, ErrEmptyTitle) {
		t.Fatalf("expected ErrEmptyTitle, got %v", err)
	}
	if err := h.o.RenameSession(ctx, "S1", "Ferie"); err != nil {
		t.Fatal(err)
	}
	if h.store.renames["S1"] != "Ferie" {
		t.Fatal("rename not forwarded")
	}

	if err := h.o.DeleteSession(ctx, "S1"); err != nil {
		t.Fatal(err)
	}
	snap := h.o.Snapshot()
	if !snap.Pending || len(snap.Messages) != 0 || !snap.Active {
		t.Fatalf("deleting the current session should start over: %+v", snap)
	}
}
