package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"deskchat/internal/catalog"
	"deskchat/internal/config"
	"deskchat/internal/conversation"
	"deskchat/internal/domain"
	"deskchat/internal/metrics"
	"deskchat/internal/nlu"
	"deskchat/internal/notify"
	"deskchat/internal/store"
	"deskchat/internal/transport"
)

// app is everything a command needs to talk to the backends.
type app struct {
	cfg      *config.Config
	store    domain.SessionStore
	nlu      *nlu.RasaGateway
	registry *metrics.Registry
	conv     *conversation.Orchestrator
	closers  []io.Closer
}

// newApp wires the backends. The broker is only dialed for chat.
func newApp(ctx context.Context, cfg *config.Config, withNotifier bool) (*app, error) {
	a := &app{cfg: cfg, registry: metrics.NewRegistry()}

	cat, err := catalog.Load(cfg.Catalog.Path, logger)
	if err != nil {
		return nil, err
	}

	st, err := openStore(cfg.Store)
	if err != nil {
		return nil, err
	}
	a.store = st
	if c, ok := st.(io.Closer); ok {
		a.closers = append(a.closers, c)
	}

	a.nlu = nlu.NewRasaGateway(nlu.Config{
		BaseURL: cfg.NLU.BaseURL,
		Client:  transport.NewHTTPClient(time.Duration(cfg.NLU.TimeoutSeconds) * time.Second),
		Retry:   transport.RetryPolicy{MaxRetries: cfg.NLU.MaxRetries, BaseDelay: time.Second},
		Logger:  logger,
	})

	var notifier domain.Notifier = notify.Nop{}
	if withNotifier && cfg.Notify.Enabled {
		n, err := notify.NewAMQPNotifier(ctx, notify.AMQPConfig{
			URL:           cfg.Notify.URL,
			Exchange:      cfg.Notify.Exchange,
			RetryAttempts: cfg.Notify.RetryAttempts,
			Logger:        logger,
		})
		if err != nil {
			logger.Warn("operator notifications disabled", "err", err)
		} else {
			notifier = n
			a.closers = append(a.closers, n)
		}
	}

	a.conv = conversation.New(conversation.Config{
		Store:        a.store,
		NLU:          a.nlu,
		Notifier:     notifier,
		Catalog:      cat,
		Metrics:      metrics.NewConversation(a.registry),
		Logger:       logger,
		UserEmail:    cfg.General.UserEmail,
		WaitDelay:    cfg.Waiting.Delay(),
		WaitInterval: cfg.Waiting.Interval(),
		WriteTimeout: time.Duration(cfg.Store.TimeoutSeconds) * time.Second,
	})
	return a, nil
}

func openStore(sc config.StoreConfig) (domain.SessionStore, error) {
	switch sc.Backend {
	case "sqlite":
		st, err := store.NewSQLiteStore(sc.DBPath, logger)
		if err != nil {
			return nil, fmt.Errorf("session store: %w", err)
		}
		return st, nil
	default:
		return store.NewHTTPStore(store.HTTPConfig{
			BaseURL: sc.BaseURL,
			Client:  transport.NewHTTPClient(time.Duration(sc.TimeoutSeconds) * time.Second),
			Retry:   transport.RetryPolicy{MaxRetries: sc.Retry.MaxRetries, BaseDelay: sc.Retry.BaseDelay()},
			Logger:  logger,
		}), nil
	}
}

// close drains pending writes before releasing the store and broker.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.conv.Shutdown(ctx); err != nil {
		logger.Warn("shutdown incomplete", "err", err)
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			logger.Warn("close failed", "err", err)
		}
	}
}
