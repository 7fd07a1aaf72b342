package reservation

import (
	"errors"
	"testing"
)

func TestHeadcount_Sentence(t *testing.T) {
	f := newHeadcountForm()
	if err := f.Set(5); err != nil {
		t.Fatalf("Set(5): %v", err)
	}
	got, err := f.Sentence()
	if err != nil {
		t.Fatal(err)
	}
	if got != "Saremo in 5 persone alla riunione" {
		t.Fatalf("unexpected sentence %q", got)
	}
}

func TestHeadcount_Bounds(t *testing.T) {
	f := newHeadcountForm()
	for _, n := range []int{0, 21, -3} {
		if err := f.Set(n); !errors.Is(err, ErrOutOfRange) {
			t.Fatalf("Set(%d): expected ErrOutOfRange, got %v", n, err)
		}
	}
	if err := f.Set(20); err != nil {
		t.Fatalf("Set(20) should be valid: %v", err)
	}
	_ = f.Increment()
	if f.Count() != MaxHeadcount {
		t.Fatalf("increment should saturate at %d, got %d", MaxHeadcount, f.Count())
	}
	_ = f.Set(1)
	_ = f.Decrement()
	if f.Count() != MinHeadcount {
		t.Fatalf("decrement should saturate at %d, got %d", MinHeadcount, f.Count())
	}
}

func TestDateForm_Sentence(t *testing.T) {
	f := &DateForm{}
	if _, err := f.Sentence(); !errors.Is(err, ErrIncomplete) {
		t.Fatalf("expected ErrIncomplete, got %v", err)
	}
	mustNoErr(t, f.SetDate("2026-10-21"))
	mustNoErr(t, f.SetStart("09:30"))
	mustNoErr(t, f.SetDuration(1.5))

	got, err := f.Sentence()
	if err != nil {
		t.Fatal(err)
	}
	if want := "Vorrei prenotare una sala il 21/10/2026 alle 09:30 per 1.5 ore"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}

	mustNoErr(t, f.SetDuration(1))
	got, _ = f.Sentence()
	if want := "Vorrei prenotare una sala il 21/10/2026 alle 09:30 per 1 ora"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestDateForm_RejectsBadInput(t *testing.T) {
	f := &DateForm{}
	if err := f.SetDate("21/10/2026"); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for date, got %v", err)
	}
	if err := f.SetStart("25:00"); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for time, got %v", err)
	}
	if err := f.SetDuration(0); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange for duration, got %v", err)
	}
}

func TestFeatureForm_ToggleAndOrder(t *testing.T) {
	f := newFeatureForm([]string{"proiettore", "lavagna", "videoconferenza"})
	if got, _ := f.Sentence(); got != "Non mi servono caratteristiche particolari" {
		t.Fatalf("empty selection sentence wrong: %q", got)
	}
	on, err := f.Toggle("VIDEOCONFERENZA")
	if err != nil || !on {
		t.Fatalf("toggle on failed: %v %v", on, err)
	}
	_, _ = f.Toggle("proiettore")
	_, _ = f.Toggle("lavagna")
	_, _ = f.Toggle("lavagna")

	got, _ := f.Sentence()
	if want := "La sala deve avere: proiettore, videoconferenza"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	if _, err := f.Toggle("piscina"); !errors.Is(err, ErrInvalid) {
		t.Fatalf("unknown option should be rejected, got %v", err)
	}
}

func TestPasswordForm(t *testing.T) {
	f := &PasswordForm{}
	if err := f.SetOld("abc"); !errors.Is(err, ErrInvalid) {
		t.Fatalf("short password should be rejected, got %v", err)
	}
	if err := f.SetNew("con spazio"); !errors.Is(err, ErrInvalid) {
		t.Fatalf("space should be rejected, got %v", err)
	}
	mustNoErr(t, f.SetOld("ciao1234"))
	mustNoErr(t, f.SetNew("ciao1234"))
	if _, err := f.Sentence(); !errors.Is(err, ErrInvalid) {
		t.Fatalf("same password should be rejected, got %v", err)
	}
	mustNoErr(t, f.SetNew("Nuova#2026"))
	got, err := f.Sentence()
	if err != nil {
		t.Fatal(err)
	}
	if want := "La vecchia password è: ciao1234 La nuova password è: Nuova#2026"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestParseKind(t *testing.T) {
	if ParseKind("date_picker") != KindDatePicker || ParseKind("lista_prenotazioni") != KindNone || ParseKind("") != KindNone {
		t.Fatal("ParseKind mapping wrong")
	}
}

func mustNoErr(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}
