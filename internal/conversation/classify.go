package conversation

import (
	"deskchat/internal/catalog"
	"deskchat/internal/domain"
	"deskchat/internal/reservation"
)

// Signal is the phrase-level meaning of a turn.
type Signal int

const (
	SignalNone Signal = iota
	// SignalDocumentSearch: the bot acknowledged a slow document search.
	SignalDocumentSearch
	// SignalHandoff: the bot handed the chat to a human operator.
	SignalHandoff
	// SignalClosing: the user asked to end the session.
	SignalClosing
)

func (s Signal) String() string {
	switch s {
	case SignalDocumentSearch:
		return "document_search"
	case SignalHandoff:
		return "handoff"
	case SignalClosing:
		return "closing"
	default:
		return "none"
	}
}

// Classification is computed once per turn and drives every state update
// that follows it.
type Classification struct {
	Form           reservation.Kind
	Signal         Signal
	AwaitingButton bool
	EndIntent      bool
}

// Classify inspects msg against the phrase catalog. User turns can only
// carry SignalClosing; bot turns never do. The document-search
// acknowledgement wins over the handoff phrase.
func Classify(msg domain.Message, cat *catalog.Catalog) Classification {
	if msg.Role == domain.RoleUser {
		if cat.IsClosing(msg.Text) {
			return Classification{Signal: SignalClosing}
		}
		return Classification{}
	}

	c := Classification{
		Form:           reservation.ParseKind(msg.CustomType()),
		AwaitingButton: msg.HasButtons(),
		EndIntent:      cat.IsEndIntent(msg.Intent),
	}
	switch {
	case cat.IsDocumentSearchAck(msg.Text):
		c.Signal = SignalDocumentSearch
	case cat.IsHandoff(msg.Text):
		c.Signal = SignalHandoff
	}
	return c
}
