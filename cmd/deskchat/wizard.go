package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"deskchat/internal/config"
)

var knownBackends = []struct {
	ID   string
	Desc string
}{{"http", "Session service over HTTP"}, {"sqlite", "Local SQLite file"}}

// runWizard asks for the values a fresh install usually changes and
// fills them into cfg. An empty answer keeps the shown default.
func runWizard(in io.Reader, out io.Writer, cfg *config.Config) error {
	reader := bufio.NewReader(in)
	prompt := func(label, def string) (string, error) {
		if def != "" {
			fmt.Fprintf(out, "%s [%s]: ", label, def)
		} else {
			fmt.Fprintf(out, "%s: ", label)
		}
		line, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return "", err
		}
		if s := strings.TrimSpace(line); s != "" {
			return s, nil
		}
		return def, nil
	}

	fmt.Fprintln(out, "\n--- Step 1: User ---")
	email, err := prompt("Your email address", cfg.General.UserEmail)
	if err != nil {
		return err
	}
	cfg.General.UserEmail = email

	fmt.Fprintln(out, "\n--- Step 2: Assistant ---")
	if cfg.NLU.BaseURL, err = prompt("Rasa server URL", cfg.NLU.BaseURL); err != nil {
		return err
	}

	fmt.Fprintln(out, "\n--- Step 3: Session store ---")
	for i, b := range knownBackends {
		fmt.Fprintf(out, "  %d) %s: %s\n", i+1, b.ID, b.Desc)
	}
	choice, err := prompt(fmt.Sprintf("Choose backend (1-%d)", len(knownBackends)), "1")
	if err != nil {
		return err
	}
	var idx int
	if n, _ := fmt.Sscanf(choice, "%d", &idx); n != 1 || idx < 1 || idx > len(knownBackends) {
		idx = 1
	}
	cfg.Store.Backend = knownBackends[idx-1].ID
	if cfg.Store.Backend == "sqlite" {
		if cfg.Store.DBPath, err = prompt("Database file", cfg.Store.DBPath); err != nil {
			return err
		}
	} else {
		if cfg.Store.BaseURL, err = prompt("Session service URL", cfg.Store.BaseURL); err != nil {
			return err
		}
	}

	fmt.Fprintln(out, "\n--- Step 4: Operator notifications ---")
	broker, err := prompt("AMQP URL, or ${VAR} (empty to skip)", "")
	if err != nil {
		return err
	}
	if broker != "" {
		cfg.Notify.Enabled = true
		cfg.Notify.URL = broker
	}

	if err := config.Validate(cfg); err != nil {
		return err
	}
	fmt.Fprintln(out, "\nNext: run 'deskchat chat'.")
	return nil
}
