package auth

import "time"

// Topics published by the authenticator, the gate and the session registry.
const (
	TopicLoginSucceeded        = "auth:login.succeeded"
	TopicLoginFailed           = "auth:login.failed"
	TopicLoginThrottled        = "auth:login.throttled"
	TopicLogout                = "auth:logout"
	TopicAccessDenied          = "auth:access.denied"
	TopicOperationUnconfigured = "auth:operation.unconfigured"
	TopicSessionsSwept         = "auth:sessions.swept"
	TopicSessionsRevoked       = "auth:sessions.revoked"
)

// Topics lists every topic above.
var Topics = []string{
	TopicLoginSucceeded,
	TopicLoginFailed,
	TopicLoginThrottled,
	TopicLogout,
	TopicAccessDenied,
	TopicOperationUnconfigured,
	TopicSessionsSwept,
	TopicSessionsRevoked,
}

// Event is the single argument carried by every topic.
// Identifier is only set for login events and never holds a secret.
type Event struct {
	Topic      string
	Identifier string
	SubjectID  string
	Role       Role
	Operation  string
	Reason     string
	Count      int
	Remaining  int
	RetryAfter time.Duration
	At         time.Time
}

// Publisher delivers events. github.com/asaskevich/EventBus satisfies it.
type Publisher interface {
	Publish(topic string, args ...interface{})
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, ...interface{}) {}

func publish(p Publisher, ev Event) {
	if p == nil {
		return
	}
	p.Publish(ev.Topic, ev)
}
