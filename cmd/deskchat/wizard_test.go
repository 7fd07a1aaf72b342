package main

import (
	"bytes"
	"strings"
	"testing"

	"deskchat/internal/config"
)

func TestRunWizard_SQLiteWithBroker(t *testing.T) {
	cfg := config.Defaults()
	in := strings.NewReader("andre@example.com\n\n2\n/tmp/deskchat.db\n${DESKCHAT_AMQP_URL}\n")

	if err := runWizard(in, &bytes.Buffer{}, cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.General.UserEmail != "andre@example.com" {
		t.Fatalf("email = %q", cfg.General.UserEmail)
	}
	if cfg.NLU.BaseURL != "http://localhost:5005" {
		t.Fatalf("empty answer should keep the default, got %q", cfg.NLU.BaseURL)
	}
	if cfg.Store.Backend != "sqlite" || cfg.Store.DBPath != "/tmp/deskchat.db" {
		t.Fatalf("store = %+v", cfg.Store)
	}
	if !cfg.Notify.Enabled || cfg.Notify.URL != "${DESKCHAT_AMQP_URL}" {
		t.Fatalf("notify = %+v", cfg.Notify)
	}
}

func TestRunWizard_EOFKeepsDefaults(t *testing.T) {
	cfg := config.Defaults()
	if err := runWizard(strings.NewReader(""), &bytes.Buffer{}, cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.Store.Backend != "http" || cfg.Notify.Enabled {
		t.Fatalf("defaults changed: %+v", cfg)
	}
}

func TestRunWizard_RejectsBadEmail(t *testing.T) {
	cfg := config.Defaults()
	if err := runWizard(strings.NewReader("andre\n"), &bytes.Buffer{}, cfg); err == nil {
		t.Fatal("expected a validation error")
	}
}

func TestNewLogger_FileAndLevel(t *testing.T) {
	path := t.TempDir() + "/deskchat.log"
	l, closeLog, err := newLogger(config.GeneralConfig{LogLevel: "warn", LogFile: path})
	if err != nil {
		t.Fatal(err)
	}
	defer closeLog()
	if l.Enabled(t.Context(), -4) {
		t.Fatal("debug should be disabled at warn level")
	}
}
