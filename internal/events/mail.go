package events

import (
	"context"
	"fmt"
	"strings"

	"gopkg.in/gomail.v2"

	"github.com/pavelanni/questionflow/internal/model"
)

// Directory resolves the live users holding a role.
type Directory interface {
	ListUsers(ctx context.Context, role model.Role, opts model.ListOptions) ([]model.User, error)
}

// SMTPConfig holds outgoing mail settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// MailNotifier e-mails the users of a revision's target role when work is routed to them.
type MailNotifier struct {
	users   Directory
	from    string
	baseURL string
	send    func(msgs ...*gomail.Message) error
}

// NewMailNotifier returns a notifier that sends through the configured SMTP server.
func NewMailNotifier(users Directory, cfg SMTPConfig, baseURL string) *MailNotifier {
	dialer := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	return &MailNotifier{users: users, from: cfg.From, baseURL: baseURL, send: dialer.DialAndSend}
}

// Publish mails routed events only; everything else is ignored.
func (n *MailNotifier) Publish(ctx context.Context, e Event) error {
	if e.TargetRole == "" {
		return nil
	}
	switch e.Kind {
	case RevisionCreated, DecisionSubmitted:
	default:
		return nil
	}

	users, err := n.users.ListUsers(ctx, e.TargetRole, model.ListOptions{})
	if err != nil {
		return fmt.Errorf("list %s users: %w", e.TargetRole, err)
	}
	var msgs []*gomail.Message
	for _, u := range users {
		if u.Email == "" {
			continue
		}
		msg := gomail.NewMessage()
		msg.SetHeader("From", n.from)
		msg.SetHeader("To", u.Email)
		msg.SetHeader("Subject", subject(e))
		msg.SetBody("text/plain", body(e, n.baseURL))
		msgs = append(msgs, msg)
	}
	if len(msgs) == 0 {
		return nil
	}
	if err := n.send(msgs...); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	return nil
}

func subject(e Event) string {
	if e.QuestionID != 0 {
		return fmt.Sprintf("[questionflow] Revision for question %d", e.QuestionID)
	}
	return fmt.Sprintf("[questionflow] Revision for package %d", e.PackageID)
}

func body(e Event, baseURL string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "A revision has been routed to the %s queue.\n\n", e.TargetRole)
	if e.Remarks != "" {
		fmt.Fprintf(&b, "Remarks: %s\n", e.Remarks)
	}
	if e.Notes != "" {
		fmt.Fprintf(&b, "Notes: %s\n", e.Notes)
	}
	if baseURL != "" {
		fmt.Fprintf(&b, "\nOpen %s/revisions/incoming to respond.\n", strings.TrimRight(baseURL, "/"))
	}
	return b.String()
}
