package domain

import "context"

// NLUGateway sends a user utterance to the natural-language backend and
// returns its replies in order.
type NLUGateway interface {
	Send(ctx context.Context, text, email string) ([]BotReply, error)
}
