// Package channel holds the user-facing surfaces that drive a conversation.
package channel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"deskchat/internal/bus"
	"deskchat/internal/conversation"
	"deskchat/internal/domain"
	"deskchat/internal/reservation"
)

// Conversation is the part of the orchestrator the CLI drives.
type Conversation interface {
	Bus() *bus.EventBus
	Send(ctx context.Context, text string) error
	Press(ctx context.Context, i int) error
	SubmitForm(ctx context.Context) error
	Close(ctx context.Context) error
	NewConversation()
	LoadSession(ctx context.Context, id string) error
	ListSessions(ctx context.Context, query string) ([]domain.SessionSummary, error)
	RenameSession(ctx context.Context, id, title string) error
	DeleteSession(ctx context.Context, id string) error
	Form() reservation.Form
	Snapshot() conversation.Snapshot
}

// CLI is an interactive terminal chat over one conversation.
type CLI struct {
	conv    Conversation
	logger  *slog.Logger
	in      io.Reader
	out     io.Writer
	spinner bool

	outMu     sync.Mutex
	thinking  bool
	thinkMu   sync.Mutex
	thinkStop chan struct{}
	subs      []subscriptionRef
}

type subscriptionRef struct {
	eventType, id string
}

type CLIConfig struct {
	Conversation Conversation
	Logger       *slog.Logger
	In           io.Reader
	Out          io.Writer
	Spinner      bool // animate while a reply is pending
}

func NewCLI(cfg CLIConfig) *CLI {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &CLI{
		conv:    cfg.Conversation,
		logger:  cfg.Logger,
		in:      cfg.In,
		out:     cfg.Out,
		spinner: cfg.Spinner,
	}
}

const helpText = `Commands:
  /new                      start a new conversation
  /sessions [query]         list your sessions
  /load <id>                open a stored session
  /rename <id> <title>      rename a session
  /delete <id>              delete a session
  /close                    end the current session
  /press <n>                press quick action n
  /date <YYYY-MM-DD> <HH:MM> <hours>
  /people <n|+|->           set the number of participants
  /feature <name>           toggle a room feature
  /password <old> <new>     fill the password change form
  /submit                   send the active form
  /status                   show the conversation state
  /quit                     exit`

// Run reads lines until EOF, /quit or ctx is done.
func (c *CLI) Run(ctx context.Context) error {
	c.subscribe()
	defer c.unsubscribe()

	c.println("deskchat. Type a message and press Enter, /help for commands.")
	c.prompt()

	scanner := bufio.NewScanner(c.in)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if !scanner.Scan() {
			return scanner.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			c.prompt()
			continue
		}
		if line == "/quit" || line == "/exit" || line == "/q" {
			c.logger.Info("user requested quit")
			return nil
		}

		if err := c.handle(ctx, line); err != nil {
			c.println("! " + describeErr(err))
		}
		c.prompt()
	}
}

func (c *CLI) handle(ctx context.Context, line string) error {
	if !strings.HasPrefix(line, "/") {
		return c.wait(func() error { return c.conv.Send(ctx, line) })
	}

	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	args := strings.Fields(rest)

	switch cmd {
	case "/help":
		c.println(helpText)
	case "/new":
		c.conv.NewConversation()
		c.println("New conversation started.")
	case "/sessions":
		return c.listSessions(ctx, rest)
	case "/load":
		if len(args) != 1 {
			return usage("/load <id>")
		}
		if err := c.conv.LoadSession(ctx, args[0]); err != nil {
			return err
		}
		c.renderHistory()
	case "/rename":
		if len(args) < 2 {
			return usage("/rename <id> <title>")
		}
		title := strings.TrimSpace(strings.TrimPrefix(rest, args[0]))
		if err := c.conv.RenameSession(ctx, args[0], title); err != nil {
			return err
		}
		c.println("Session renamed.")
	case "/delete":
		if len(args) != 1 {
			return usage("/delete <id>")
		}
		if err := c.conv.DeleteSession(ctx, args[0]); err != nil {
			return err
		}
		c.println("Session deleted.")
	case "/close":
		return c.conv.Close(ctx)
	case "/press":
		n, err := strconv.Atoi(rest)
		if err != nil {
			return usage("/press <n>")
		}
		return c.wait(func() error { return c.conv.Press(ctx, n-1) })
	case "/date", "/people", "/feature", "/password":
		return c.fillForm(cmd, rest, args)
	case "/submit":
		return c.wait(func() error { return c.conv.SubmitForm(ctx) })
	case "/status":
		c.renderStatus()
	default:
		return fmt.Errorf("unknown command %s, try /help", cmd)
	}
	return nil
}

func (c *CLI) fillForm(cmd, rest string, args []string) error {
	form := c.conv.Form()
	if form == nil {
		return reservation.ErrNoForm
	}

	switch f := form.(type) {
	case *reservation.DateForm:
		if cmd != "/date" {
			break
		}
		if len(args) != 3 {
			return usage("/date <YYYY-MM-DD> <HH:MM> <hours>")
		}
		hours, err := strconv.ParseFloat(strings.ReplaceAll(args[2], ",", "."), 64)
		if err != nil {
			return fmt.Errorf("%w: hours %q", reservation.ErrInvalid, args[2])
		}
		if err := f.SetDate(args[0]); err != nil {
			return err
		}
		if err := f.SetStart(args[1]); err != nil {
			return err
		}
		if err := f.SetDuration(hours); err != nil {
			return err
		}
		return c.preview(f)
	case *reservation.HeadcountForm:
		if cmd != "/people" {
			break
		}
		var err error
		switch rest {
		case "+":
			err = f.Increment()
		case "-":
			err = f.Decrement()
		default:
			n, convErr := strconv.Atoi(rest)
			if convErr != nil {
				return usage("/people <n|+|->")
			}
			err = f.Set(n)
		}
		if err != nil {
			return err
		}
		return c.preview(f)
	case *reservation.FeatureForm:
		if cmd != "/feature" {
			break
		}
		on, err := f.Toggle(rest)
		if err != nil {
			return fmt.Errorf("%w (options: %s)", err, strings.Join(f.Options(), ", "))
		}
		state := "off"
		if on {
			state = "on"
		}
		c.println(fmt.Sprintf("  %s: %s", rest, state))
		return c.preview(f)
	case *reservation.PasswordForm:
		if cmd != "/password" {
			break
		}
		if len(args) != 2 {
			return usage("/password <old> <new>")
		}
		if err := f.SetOld(args[0]); err != nil {
			return err
		}
		if err := f.SetNew(args[1]); err != nil {
			return err
		}
		c.println("  passwords set, /submit to send")
		return nil
	}
	return fmt.Errorf("%s does not apply to the %s form", cmd, form.Kind())
}

func (c *CLI) preview(f reservation.Form) error {
	s, err := f.Sentence()
	if err != nil {
		return err
	}
	c.println("  -> " + s + "  (/submit to send)")
	return nil
}

func (c *CLI) listSessions(ctx context.Context, query string) error {
	sessions, err := c.conv.ListSessions(ctx, query)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		c.println("No sessions.")
		return nil
	}
	for _, s := range sessions {
		c.println("  " + FormatSession(s))
	}
	return nil
}

// wait runs a blocking turn with the spinner shown.
func (c *CLI) wait(fn func() error) error {
	c.startThinking()
	defer c.stopThinking()
	return fn()
}

// --- bus events ---

func (c *CLI) subscribe() {
	c.on(bus.EventMessageAppended, c.onMessage)
	c.on(bus.EventWaitingChanged, c.onWaiting)
	c.on(bus.EventReservationChanged, c.onReservation)
	c.on(bus.EventHandoffDetected, func(bus.Event) { c.println("* An operator will take over this conversation.") })
	c.on(bus.EventSessionClosed, func(bus.Event) { c.println("* Session closed. /new to start another.") })
	c.on(bus.EventInputLocked, func(bus.Event) { c.println("* Conversation ended. /new to start another.") })
	c.on(bus.EventPersistFailed, func(ev bus.Event) {
		c.println(fmt.Sprintf("! could not save the conversation: %v", ev.Payload["error"]))
	})
}

func (c *CLI) on(eventType string, h bus.Handler) {
	c.subs = append(c.subs, subscriptionRef{eventType, c.conv.Bus().On(eventType, h)})
}

func (c *CLI) unsubscribe() {
	for _, s := range c.subs {
		c.conv.Bus().Off(s.eventType, s.id)
	}
	c.subs = nil
}

func (c *CLI) onMessage(ev bus.Event) {
	if ev.Payload["role"] != string(domain.RoleBot) {
		return
	}
	idx, _ := ev.Payload["index"].(int)
	msgs := c.conv.Snapshot().Messages
	if idx < 0 || idx >= len(msgs) {
		return
	}
	c.println(FormatMessage(msgs[idx]))
}

func (c *CLI) onWaiting(ev bus.Event) {
	if long, _ := ev.Payload["long_waiting"].(bool); !long {
		return
	}
	if hint, _ := ev.Payload["hint"].(string); hint != "" {
		c.println("  ... " + hint)
	}
}

func (c *CLI) onReservation(ev bus.Event) {
	switch reservation.Kind(fmt.Sprint(ev.Payload["kind"])) {
	case reservation.KindDatePicker:
		c.println("  form: /date <YYYY-MM-DD> <HH:MM> <hours>, then /submit")
	case reservation.KindHeadcount:
		c.println(fmt.Sprintf("  form: /people <%d-%d|+|->, then /submit", reservation.MinHeadcount, reservation.MaxHeadcount))
	case reservation.KindFeatureChecklist:
		opts := ""
		if f, ok := c.conv.Form().(*reservation.FeatureForm); ok {
			opts = " (" + strings.Join(f.Options(), ", ") + ")"
		}
		c.println("  form: /feature <name>" + opts + ", then /submit")
	case reservation.KindPasswordChange:
		c.println("  form: /password <old> <new>, then /submit")
	}
}

// --- rendering ---

// FormatSession renders one row of a session listing.
func FormatSession(s domain.SessionSummary) string {
	state := "closed"
	if s.Active {
		state = "active"
	}
	return fmt.Sprintf("%s  %-30s %s  %s", s.ID, s.DisplayTitle(), s.CreatedAt.Local().Format("2006-01-02 15:04"), state)
}

// FormatMessage renders one turn as terminal text.
func FormatMessage(m domain.Message) string {
	var sb strings.Builder
	who := "You"
	if m.Role == domain.RoleBot {
		who = "Bot"
	}
	fmt.Fprintf(&sb, "[%s] %s> %s", m.Timestamp, who, m.Text)
	if m.ElapsedSeconds != nil {
		fmt.Fprintf(&sb, "  (%ds)", *m.ElapsedSeconds)
	}
	if m.Image != "" {
		fmt.Fprintf(&sb, "\n    image: %s", m.Image)
	}
	if a := m.Attachment; a != nil {
		name := a.Name
		if name == "" {
			name = a.URL
		}
		fmt.Fprintf(&sb, "\n    file: %s %s", name, a.URL)
		if a.PageCount > 0 {
			fmt.Fprintf(&sb, " (%d pages)", a.PageCount)
		}
	}
	if !m.Disabled {
		for i, b := range m.Buttons {
			fmt.Fprintf(&sb, "\n    [%d] %s", i+1, b.Title)
		}
	}
	return sb.String()
}

func (c *CLI) renderHistory() {
	snap := c.conv.Snapshot()
	for _, m := range snap.Messages {
		c.println(FormatMessage(m))
	}
	if !snap.Active {
		c.println("* This session is closed and read-only.")
	}
}

func (c *CLI) renderStatus() {
	snap := c.conv.Snapshot()
	id := snap.SessionID
	if snap.Pending {
		id = "(not saved yet)"
	}
	c.println(fmt.Sprintf("session: %s\nstate:   %s\nmessages: %d", id, snap.State, len(snap.Messages)))
	if snap.Reservation != reservation.KindNone {
		c.println(fmt.Sprintf("form:    %s", snap.Reservation))
	}
	if snap.PersistFailed {
		c.println("warning: some messages were not saved")
	}
}

func describeErr(err error) string {
	switch {
	case errors.Is(err, conversation.ErrNoUser):
		return "no user email configured (general.userEmail)"
	case errors.Is(err, domain.ErrSessionNotFound):
		return "session not found"
	default:
		return err.Error()
	}
}

func usage(u string) error { return fmt.Errorf("usage: %s", u) }

// --- output ---

func (c *CLI) println(s string) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	if c.spinner {
		_, _ = fmt.Fprint(c.out, "\r\033[K")
	}
	_, _ = fmt.Fprintln(c.out, s)
}

func (c *CLI) prompt() {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	_, _ = fmt.Fprint(c.out, "You> ")
}

func (c *CLI) startThinking() {
	if !c.spinner {
		return
	}
	c.thinkMu.Lock()
	defer c.thinkMu.Unlock()
	if c.thinking {
		return
	}
	c.thinking = true
	c.thinkStop = make(chan struct{})
	go func(stop chan struct{}) {
		frames := []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.outMu.Lock()
				_, _ = fmt.Fprintf(c.out, "\r%s", frames[i%len(frames)])
				c.outMu.Unlock()
			}
		}
	}(c.thinkStop)
}

func (c *CLI) stopThinking() {
	c.thinkMu.Lock()
	defer c.thinkMu.Unlock()
	if !c.thinking {
		return
	}
	c.thinking = false
	close(c.thinkStop)
}
