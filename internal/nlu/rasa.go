// Package nlu is the client for a Rasa-style natural-language backend.
package nlu

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"deskchat/internal/domain"
	"deskchat/internal/transport"
)

type Config struct {
	BaseURL string
	Client  *http.Client // optional
	Retry   transport.RetryPolicy
	Logger  *slog.Logger
}

// RasaGateway classifies an utterance with /model/parse, then posts it to
// the REST channel webhook for the replies.
type RasaGateway struct {
	baseURL string
	client  *transport.Client
	logger  *slog.Logger
}

func NewRasaGateway(cfg Config) *RasaGateway {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("component", "nlu")
	return &RasaGateway{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  transport.NewClient(cfg.Client, cfg.Retry, logger),
		logger:  logger,
	}
}

type metadata struct {
	Email string `json:"email"`
}

type parseRequest struct {
	Text     string   `json:"text"`
	Metadata metadata `json:"metadata"`
}

type parseResponse struct {
	Intent struct {
		Name       string  `json:"name"`
		Confidence float64 `json:"confidence"`
	} `json:"intent"`
}

type webhookRequest struct {
	Sender   string   `json:"sender"`
	Message  string   `json:"message"`
	Metadata metadata `json:"metadata"`
}

// webhookReply keeps the loosely typed fields raw so one malformed field
// does not discard the whole reply.
type webhookReply struct {
	Text       string          `json:"text"`
	Image      string          `json:"image"`
	Buttons    json.RawMessage `json:"buttons"`
	Attachment json.RawMessage `json:"attachment"`
	Custom     json.RawMessage `json:"custom"`
}

// Send returns the backend's replies in order, each tagged with the parsed
// intent. A failed parse call is logged and only loses the intent. The
// webhook call runs actions, so it is never resent once it may have
// reached the server.
func (g *RasaGateway) Send(ctx context.Context, text, email string) ([]domain.BotReply, error) {
	meta := metadata{Email: email}

	var parsed parseResponse
	if err := g.client.DoJSON(ctx, http.MethodPost, g.baseURL+"/model/parse",
		parseRequest{Text: text, Metadata: meta}, &parsed, transport.Idempotent()); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		g.logger.Warn("intent parse failed", "error", err)
	}

	var raw []webhookReply
	if err := g.client.DoJSON(ctx, http.MethodPost, g.baseURL+"/webhooks/rest/webhook",
		webhookRequest{Sender: email, Message: text, Metadata: meta}, &raw); err != nil {
		return nil, fmt.Errorf("webhook: %w", err)
	}

	replies := make([]domain.BotReply, 0, len(raw))
	for _, r := range raw {
		reply := g.convert(r)
		reply.Intent = parsed.Intent.Name
		reply.Confidence = parsed.Intent.Confidence
		replies = append(replies, reply)
	}
	g.logger.Debug("nlu replied", "intent", parsed.Intent.Name, "confidence", parsed.Intent.Confidence, "replies", len(replies))
	return replies, nil
}

func (g *RasaGateway) convert(r webhookReply) domain.BotReply {
	reply := domain.BotReply{Text: r.Text, Image: r.Image}
	if isSet(r.Buttons) {
		if err := json.Unmarshal(r.Buttons, &reply.Buttons); err != nil {
			g.logger.Warn("ignoring malformed buttons", "error", err)
			reply.Buttons = nil
		}
	}
	if isSet(r.Attachment) {
		var a domain.Attachment
		if err := json.Unmarshal(r.Attachment, &a); err != nil {
			g.logger.Warn("ignoring malformed attachment", "error", err)
		} else {
			reply.Attachment = &a
		}
	}
	if isSet(r.Custom) {
		if err := json.Unmarshal(r.Custom, &reply.Custom); err != nil {
			g.logger.Warn("ignoring malformed custom payload", "error", err)
			reply.Custom = nil
		}
	}
	return reply
}

func isSet(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s != "" && s != "null"
}

// Healthy probes the server root.
func (g *RasaGateway) Healthy(ctx context.Context) error {
	if err := g.client.DoJSON(ctx, http.MethodGet, g.baseURL+"/", nil, nil); err != nil {
		return fmt.Errorf("nlu health: %w", err)
	}
	return nil
}
