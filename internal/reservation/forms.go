// Package reservation implements the short interactive forms a bot reply
// can open through its custom.type tag. Each form collects structured
// input and, on submission, renders one deterministic Italian sentence
// that is sent to the NLU backend like any typed message.
package reservation

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"
)

var (
	ErrNoForm        = errors.New("no reservation form is active")
	ErrFormSubmitted = errors.New("form already submitted")
	ErrOutOfRange    = errors.New("value out of range")
	ErrIncomplete    = errors.New("form is incomplete")
	ErrInvalid       = errors.New("invalid value")
)

// Kind selects a form. The string values are the custom.type tags.
type Kind string

const (
	KindNone             Kind = ""
	KindDatePicker       Kind = "date_picker"
	KindHeadcount        Kind = "headcount"
	KindFeatureChecklist Kind = "feature_checklist"
	KindPasswordChange   Kind = "password_change"
)

// ParseKind maps a custom.type tag to a Kind; unknown tags map to KindNone.
func ParseKind(tag string) Kind {
	switch k := Kind(tag); k {
	case KindDatePicker, KindHeadcount, KindFeatureChecklist, KindPasswordChange:
		return k
	default:
		return KindNone
	}
}

// Form is one active sub-flow.
type Form interface {
	Kind() Kind
	// Sentence renders the collected input. It fails when input is incomplete.
	Sentence() (string, error)
	Submitted() bool
	markSubmitted()
}

type oneShot struct{ submitted bool }

func (o *oneShot) Submitted() bool { return o.submitted }
func (o *oneShot) markSubmitted()  { o.submitted = true }

func (o *oneShot) editable() error {
	if o.submitted {
		return ErrFormSubmitted
	}
	return nil
}

// --- date and time ---

const (
	DateLayout     = "2006-01-02"
	TimeLayout     = "15:04"
	MaxDurationHrs = 12.0
)

// DateForm collects a meeting date, start time and duration in hours.
type DateForm struct {
	oneShot
	date     time.Time
	start    string
	duration float64
}

func (f *DateForm) Kind() Kind { return KindDatePicker }

// SetDate accepts a YYYY-MM-DD date.
func (f *DateForm) SetDate(s string) error {
	if err := f.editable(); err != nil {
		return err
	}
	d, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("%w: date %q", ErrInvalid, s)
	}
	f.date = d
	return nil
}

// SetStart accepts an HH:MM start time.
func (f *DateForm) SetStart(s string) error {
	if err := f.editable(); err != nil {
		return err
	}
	t, err := time.Parse(TimeLayout, strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("%w: time %q", ErrInvalid, s)
	}
	f.start = t.Format(TimeLayout)
	return nil
}

// SetDuration accepts a duration in hours in (0, MaxDurationHrs].
func (f *DateForm) SetDuration(hours float64) error {
	if err := f.editable(); err != nil {
		return err
	}
	if hours <= 0 || hours > MaxDurationHrs {
		return fmt.Errorf("%w: duration %v", ErrOutOfRange, hours)
	}
	f.duration = hours
	return nil
}

func (f *DateForm) Sentence() (string, error) {
	if f.date.IsZero() || f.start == "" || f.duration == 0 {
		return "", ErrIncomplete
	}
	unit := "ore"
	if f.duration == 1 {
		unit = "ora"
	}
	return fmt.Sprintf("Vorrei prenotare una sala il %s alle %s per %s %s",
		f.date.Format("02/01/2006"), f.start,
		strconv.FormatFloat(f.duration, 'f', -1, 64), unit), nil
}

// --- headcount ---

const (
	MinHeadcount = 1
	MaxHeadcount = 20
)

// HeadcountForm collects the number of meeting participants.
type HeadcountForm struct {
	oneShot
	count int
}

func newHeadcountForm() *HeadcountForm { return &HeadcountForm{count: MinHeadcount} }

func (f *HeadcountForm) Kind() Kind { return KindHeadcount }

func (f *HeadcountForm) Count() int { return f.count }

// Set rejects values outside [MinHeadcount, MaxHeadcount].
func (f *HeadcountForm) Set(n int) error {
	if err := f.editable(); err != nil {
		return err
	}
	if n < MinHeadcount || n > MaxHeadcount {
		return fmt.Errorf("%w: headcount %d", ErrOutOfRange, n)
	}
	f.count = n
	return nil
}

// Increment and Decrement saturate at the bounds.
func (f *HeadcountForm) Increment() error {
	if err := f.editable(); err != nil {
		return err
	}
	f.count = min(f.count+1, MaxHeadcount)
	return nil
}

func (f *HeadcountForm) Decrement() error {
	if err := f.editable(); err != nil {
		return err
	}
	f.count = max(f.count-1, MinHeadcount)
	return nil
}

func (f *HeadcountForm) Sentence() (string, error) {
	return fmt.Sprintf("Saremo in %d persone alla riunione", f.count), nil
}

// --- feature checklist ---

// FeatureForm is a multi-select over room features.
type FeatureForm struct {
	oneShot
	options  []string
	selected map[string]bool
}

func newFeatureForm(options []string) *FeatureForm {
	return &FeatureForm{
		options:  slices.Clone(options),
		selected: make(map[string]bool),
	}
}

func (f *FeatureForm) Kind() Kind { return KindFeatureChecklist }

func (f *FeatureForm) Options() []string { return slices.Clone(f.options) }

// Toggle flips an option, matched case-insensitively, and reports its new state.
func (f *FeatureForm) Toggle(option string) (bool, error) {
	if err := f.editable(); err != nil {
		return false, err
	}
	name, ok := f.lookup(option)
	if !ok {
		return false, fmt.Errorf("%w: feature %q", ErrInvalid, option)
	}
	f.selected[name] = !f.selected[name]
	return f.selected[name], nil
}

// Selected returns the chosen options in option order.
func (f *FeatureForm) Selected() []string {
	var out []string
	for _, o := range f.options {
		if f.selected[o] {
			out = append(out, o)
		}
	}
	return out
}

func (f *FeatureForm) lookup(option string) (string, bool) {
	for _, o := range f.options {
		if strings.EqualFold(o, strings.TrimSpace(option)) {
			return o, true
		}
	}
	return "", false
}

func (f *FeatureForm) Sentence() (string, error) {
	sel := f.Selected()
	if len(sel) == 0 {
		return "Non mi servono caratteristiche particolari", nil
	}
	return "La sala deve avere: " + strings.Join(sel, ", "), nil
}

// --- password change ---

// passwordPattern is the charset and minimum length the users backend
// extracts from the change-password sentence.
var passwordPattern = regexp.MustCompile(`^[A-Za-z0-9@#$%^&*()_\-+=!?.:]{4,}$`)

// PasswordForm collects the current and the new password.
type PasswordForm struct {
	oneShot
	oldPassword string
	newPassword string
}

func (f *PasswordForm) Kind() Kind { return KindPasswordChange }

func (f *PasswordForm) SetOld(p string) error {
	if err := f.editable(); err != nil {
		return err
	}
	if !passwordPattern.MatchString(p) {
		return fmt.Errorf("%w: current password", ErrInvalid)
	}
	f.oldPassword = p
	return nil
}

func (f *PasswordForm) SetNew(p string) error {
	if err := f.editable(); err != nil {
		return err
	}
	if !passwordPattern.MatchString(p) {
		return fmt.Errorf("%w: new password", ErrInvalid)
	}
	f.newPassword = p
	return nil
}

func (f *PasswordForm) Sentence() (string, error) {
	if f.oldPassword == "" || f.newPassword == "" {
		return "", ErrIncomplete
	}
	if f.oldPassword == f.newPassword {
		return "", fmt.Errorf("%w: new password equals the current one", ErrInvalid)
	}
	return fmt.Sprintf("La vecchia password è: %s La nuova password è: %s", f.oldPassword, f.newPassword), nil
}
