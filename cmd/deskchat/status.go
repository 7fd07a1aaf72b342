package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"deskchat/internal/config"
	"deskchat/internal/nlu"
	"deskchat/internal/notify"
	"deskchat/internal/transport"
)

const checkTimeout = 5 * time.Second

// report tallies check results the way they are printed.
type report struct {
	out                    io.Writer
	passed, warned, failed int
}

func (r *report) pass(check, detail string) {
	fmt.Fprintf(r.out, "  [PASS] %-20s %s\n", check, detail)
	r.passed++
}

func (r *report) fail(check, detail string) {
	fmt.Fprintf(r.out, "  [FAIL] %-20s %s\n", check, detail)
	r.failed++
}

func (r *report) warn(check, detail string) {
	fmt.Fprintf(r.out, "  [WARN] %-20s %s\n", check, detail)
	r.warned++
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Aliases: []string{"doctor"},
		Short:   "Check the config and that the backends are reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			r := &report{out: cmd.OutOrStdout()}
			cfgPath := resolveConfigPath()
			fmt.Fprintf(r.out, "deskchat status v%s\n\n", version)

			if _, err := os.Stat(cfgPath); err != nil {
				r.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Fprintf(r.out, "\nRun 'deskchat init' to create a default configuration.\n")
				return fmt.Errorf("no config file")
			}
			r.pass("Config file", cfgPath)

			cfg, err := config.Load(cfgPath)
			if err != nil {
				r.fail("Config validation", err.Error())
				return fmt.Errorf("invalid config")
			}
			r.pass("Config validation", "valid")

			if cfg.General.UserEmail == "" {
				r.warn("User", "general.userEmail is not set, messages cannot be sent")
			} else {
				r.pass("User", cfg.General.UserEmail)
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			checkNLU(ctx, r, cfg)
			checkStore(ctx, r, cfg)
			checkBroker(ctx, r, cfg)

			if cfg.Metrics.Enabled {
				if err := checkPort(cfg.Metrics.Addr); err != nil {
					r.warn("Metrics addr", fmt.Sprintf("%s may be in use: %v", cfg.Metrics.Addr, err))
				} else {
					r.pass("Metrics addr", cfg.Metrics.Addr+" available")
				}
			}

			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					r.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					r.pass("Log file", cfg.General.LogFile)
				}
			}

			fmt.Fprintf(r.out, "\nResults: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
			if r.failed > 0 {
				return fmt.Errorf("%d check(s) failed", r.failed)
			}
			return nil
		},
	}
}

func checkNLU(ctx context.Context, r *report, cfg *config.Config) {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	gw := nlu.NewRasaGateway(nlu.Config{
		BaseURL: cfg.NLU.BaseURL,
		Client:  transport.NewHTTPClient(checkTimeout),
		Logger:  logger,
	})
	if err := gw.Healthy(ctx); err != nil {
		r.fail("NLU", fmt.Sprintf("%s: %v", cfg.NLU.BaseURL, err))
		return
	}
	r.pass("NLU", cfg.NLU.BaseURL)
}

func checkStore(ctx context.Context, r *report, cfg *config.Config) {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	sc := cfg.Store
	sc.Retry.MaxRetries = 0
	st, err := openStore(sc)
	if err != nil {
		r.fail("Session store", err.Error())
		return
	}
	if c, ok := st.(io.Closer); ok {
		defer c.Close()
	}

	where := sc.BaseURL
	if sc.Backend == "sqlite" {
		where = sc.DBPath
	}
	if cfg.General.UserEmail == "" {
		r.warn("Session store", sc.Backend+" "+where+" (not queried, no user)")
		return
	}
	sessions, err := st.ListSessions(ctx, cfg.General.UserEmail)
	if err != nil {
		r.fail("Session store", fmt.Sprintf("%s %s: %v", sc.Backend, where, err))
		return
	}
	r.pass("Session store", fmt.Sprintf("%s %s, %d session(s)", sc.Backend, where, len(sessions)))
}

func checkBroker(ctx context.Context, r *report, cfg *config.Config) {
	if !cfg.Notify.Enabled {
		r.warn("Operator broker", "disabled, handoffs are not forwarded")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	conn, err := notify.DialWithRetry(ctx, notify.AMQPConfig{URL: cfg.Notify.URL, RetryAttempts: 1, Logger: logger})
	if err != nil {
		r.fail("Operator broker", err.Error())
		return
	}
	_ = conn.Close()
	r.pass("Operator broker", config.Sanitize(cfg).Notify.URL)
}

func checkPort(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ln.Close()
}
