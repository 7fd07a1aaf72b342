package metrics

// Conversation groups the metrics the orchestrator records.
type Conversation struct {
	UserMessages    *Counter
	BotReplies      *Counter
	PersistFailures *Counter
	NLUFailures     *Counter
	Handoffs        *Counter
	SessionsClosed  *Counter
	Waiting         *Gauge
	ReplyLatency    *Histogram
}

// NewConversation registers the deskchat_* conversation metrics on r.
func NewConversation(r *Registry) *Conversation {
	return &Conversation{
		UserMessages:    r.Counter("deskchat_user_messages_total", "User turns sent"),
		BotReplies:      r.Counter("deskchat_bot_replies_total", "Bot replies received"),
		PersistFailures: r.Counter("deskchat_persist_failures_total", "Session store writes that failed"),
		NLUFailures:     r.Counter("deskchat_nlu_failures_total", "NLU gateway calls that failed"),
		Handoffs:        r.Counter("deskchat_handoffs_total", "Sessions handed off to an operator"),
		SessionsClosed:  r.Counter("deskchat_sessions_closed_total", "Sessions closed"),
		Waiting:         r.Gauge("deskchat_long_waiting", "1 while the long-wait indicator is shown"),
		ReplyLatency: r.Histogram("deskchat_reply_latency_seconds", "Time from user turn to bot reply",
			[]float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120}),
	}
}
