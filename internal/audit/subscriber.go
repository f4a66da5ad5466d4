package audit

import (
	"context"
	"strings"

	"wardkeep.org/internal/auth"
	"wardkeep.org/internal/obs"
)

// Subscriber is the part of events.Bus the audit trail needs.
type Subscriber interface {
	SubscribeAsync(topic string, fn interface{}) error
}

// Subscribe records every auth topic in the audit log and the auth metrics.
func Subscribe(bus Subscriber) error {
	for _, topic := range auth.Topics {
		if err := bus.SubscribeAsync(topic, Record); err != nil {
			return err
		}
	}
	return nil
}

// Record writes ev to the audit log and updates the matching counters.
func Record(ev auth.Event) {
	name := strings.TrimPrefix(ev.Topic, "auth:")
	obs.CountAuthEvent(name)
	if ev.Topic == auth.TopicSessionsSwept {
		obs.ObserveSweep(ev.Count, ev.Remaining)
	}

	fields := map[string]any{"at": ev.At.UTC()}
	set := func(k, v string) {
		if v != "" {
			fields[k] = v
		}
	}
	set("identifier", ev.Identifier)
	set("subject_id", ev.SubjectID)
	set("role", string(ev.Role))
	set("operation", ev.Operation)
	set("reason", ev.Reason)
	switch ev.Topic {
	case auth.TopicSessionsSwept:
		fields["evicted"] = ev.Count
		fields["remaining"] = ev.Remaining
	case auth.TopicSessionsRevoked:
		fields["revoked"] = ev.Count
	case auth.TopicLoginThrottled:
		fields["retry_after_s"] = (&auth.RateLimitError{Remaining: ev.RetryAfter}).RemainingSeconds()
	}

	if err := LogEvent(context.Background(), name, fields); err != nil {
		obs.Error("audit write failed", map[string]any{"event": name, "error": err.Error()})
	}
}
