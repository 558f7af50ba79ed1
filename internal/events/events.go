// Package events fans workflow notifications out to queues, pub/sub channels, and e-mail.
// Delivery is best effort: publish failures are logged and never fail the workflow step.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/pavelanni/questionflow/internal/model"
)

// Kind names a workflow event.
type Kind string

const (
	QuestionClaimed   Kind = "question.claimed"
	QuestionReleased  Kind = "question.released"
	DecisionSubmitted Kind = "decision.submitted"
	RevisionCreated   Kind = "revision.created"
	RevisionResponded Kind = "revision.responded"
	RevisionCompleted Kind = "revision.completed"
	PackageSubmitted  Kind = "package.submitted"
	QuestionCreated   Kind = "question.created"
)

// Event is one workflow notification.
type Event struct {
	Kind       Kind       `json:"kind"`
	At         time.Time  `json:"at"`
	ActorID    int64      `json:"actor_id"`
	PackageID  int64      `json:"package_id,omitempty"`
	QuestionID int64      `json:"question_id,omitempty"`
	RevisionID int64      `json:"revision_id,omitempty"`
	TargetRole model.Role `json:"target_role,omitempty"`
	Remarks    string     `json:"remarks,omitempty"`
	Notes      string     `json:"notes,omitempty"`
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Multi publishes to every wrapped publisher and logs individual failures.
type Multi []Publisher

// Publish never returns an error.
func (m Multi) Publish(ctx context.Context, e Event) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil {
			slog.Warn("event publish failed", "kind", e.Kind, "publisher", describe(p), "error", err)
		}
	}
	return nil
}

// Async delivers events to a publisher on background goroutines, so a slow sink such
// as an SMTP server does not hold up the caller.
type Async struct {
	next Publisher
	wg   sync.WaitGroup
}

// NewAsync wraps next.
func NewAsync(next Publisher) *Async {
	return &Async{next: next}
}

// Publish returns at once. Delivery failures are logged.
func (a *Async) Publish(ctx context.Context, e Event) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	ctx = context.WithoutCancel(ctx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.next.Publish(ctx, e); err != nil {
			slog.Warn("event publish failed", "kind", e.Kind, "publisher", describe(a.next), "error", err)
		}
	}()
	return nil
}

// Wait blocks until every delivery started so far has finished.
func (a *Async) Wait() {
	a.wg.Wait()
}

// LogPublisher writes events to the structured log.
type LogPublisher struct{}

// Publish logs the event at info level.
func (LogPublisher) Publish(_ context.Context, e Event) error {
	slog.Info("workflow event",
		"kind", e.Kind,
		"actor_id", e.ActorID,
		"package_id", e.PackageID,
		"question_id", e.QuestionID,
		"revision_id", e.RevisionID,
		"target_role", e.TargetRole,
	)
	return nil
}

func encode(e Event) (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func describe(p Publisher) string {
	switch p := p.(type) {
	case LogPublisher:
		return "log"
	case *SQSPublisher:
		return "sqs"
	case *RedisPublisher:
		return "redis"
	case *MailNotifier:
		return "mail"
	case *Async:
		return "async " + describe(p.next)
	default:
		return "custom"
	}
}
