package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRegistry_ReturnsSameInstance(t *testing.T) {
	r := NewRegistry()
	a := r.Counter("x_total", "x")
	a.Inc()
	if b := r.Counter("x_total", "x"); b != a || b.Value() != 1 {
		t.Fatal("expected the registered counter")
	}
}

func TestRegistry_RenderHistogram(t *testing.T) {
	r := NewRegistry()
	h := r.Histogram("lat_seconds", "latency", []float64{5, 1})
	h.Observe(0.5)
	h.Observe(3)
	h.Observe(100)

	out := r.Render()
	for _, want := range []string{
		`lat_seconds_bucket{le="1"} 1`,
		`lat_seconds_bucket{le="5"} 2`,
		`lat_seconds_bucket{le="+Inf"} 3`,
		"lat_seconds_count 3",
		"# TYPE lat_seconds histogram",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
}

func TestConversation_Handler(t *testing.T) {
	r := NewRegistry()
	m := NewConversation(r)
	m.UserMessages.Inc()
	m.Waiting.Set(1)

	rec := httptest.NewRecorder()
	r.Handler()(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	if !strings.Contains(body, "deskchat_user_messages_total 1") {
		t.Fatalf("counter not rendered:\n%s", body)
	}
	if !strings.Contains(body, "deskchat_long_waiting 1") {
		t.Fatalf("gauge not rendered:\n%s", body)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("unexpected content type %q", ct)
	}
}
