// Package audit records who did what. Logging is best effort: events are delivered in the background
// and delivery errors never reach the operation being logged.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/trezcool/shule/core"
)

const (
	ActionLogin       = "login"
	ActionLoginFailed = "login_failed"
	ActionCreate      = "create"
	ActionUpdate      = "update"
	ActionDelete      = "delete"
	ActionApprove     = "approve"
	ActionReject      = "reject"

	defaultTimeout = 10 * time.Second
)

type Event struct {
	ID        string                 `json:"id"`
	ActorID   string                 `json:"actor_id"`
	ActorName string                 `json:"actor_name"`
	Action    string                 `json:"action"`
	Entity    string                 `json:"entity"`
	EntityID  string                 `json:"entity_id"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"` // UTC
}

func (e Event) IsLogin() bool {
	return e.Action == ActionLogin || e.Action == ActionLoginFailed
}

// Sink delivers events somewhere durable.
type Sink interface {
	Write(ctx context.Context, ev Event) error
}

// Logger schedules events on its sink. A nil *Logger drops every event.
type Logger struct {
	sink    Sink
	logger  core.Logger
	timeout time.Duration
	newID   func() string
	now     func() time.Time
	wg      sync.WaitGroup
}

func NewLogger(sink Sink, logger core.Logger, newID func() string) *Logger {
	return &Logger{
		sink:    sink,
		logger:  logger,
		timeout: defaultTimeout,
		newID:   newID,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// LogEvent schedules the event and returns immediately.
func (l *Logger) LogEvent(actorID, actorName, action, entity, entityID string, details map[string]interface{}) {
	if l == nil || l.sink == nil {
		return
	}
	ev := Event{
		ActorID:   actorID,
		ActorName: actorName,
		Action:    action,
		Entity:    entity,
		EntityID:  entityID,
		Details:   details,
		Timestamp: l.now(),
	}
	if l.newID != nil {
		ev.ID = l.newID()
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer func() {
			if r := recover(); r != nil && l.logger != nil {
				l.logger.Error("audit sink panicked", map[string]interface{}{"panic": r, "action": ev.Action})
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
		defer cancel()
		if err := l.sink.Write(ctx, ev); err != nil && l.logger != nil {
			l.logger.Warn("writing audit event", err, map[string]interface{}{"action": ev.Action, "entity": ev.Entity})
		}
	}()
}

// Log is LogEvent on behalf of the session actor.
func (l *Logger) Log(sess core.Session, action, entity, entityID string, details map[string]interface{}) {
	l.LogEvent(sess.UserID, sess.UserName, action, entity, entityID, details)
}

// LogLogin records a login attempt. actorID is empty for unknown identifiers.
func (l *Logger) LogLogin(actorID, identifier string, success bool, details map[string]interface{}) {
	action := ActionLogin
	if !success {
		action = ActionLoginFailed
	}
	l.LogEvent(actorID, identifier, action, "users", actorID, details)
}

// Wait blocks until every scheduled event was delivered or dropped.
func (l *Logger) Wait() {
	if l != nil {
		l.wg.Wait()
	}
}
