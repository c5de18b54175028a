// Package email provides an SMTP-based notifier for approval events.
package email

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/WoodrowLove/advisorygate/internal/port/notifier"
)

const providerName = "email"

// SMTPConfig holds the configuration for SMTP connections.
type SMTPConfig struct {
	Host     string
	Port     int
	From     string
	Password string
	To       []string
}

// Notifier sends approval events via SMTP.
type Notifier struct {
	cfg  SMTPConfig
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewNotifier creates a new email notifier.
func NewNotifier(cfg SMTPConfig) *Notifier {
	return &Notifier{cfg: cfg, send: smtp.SendMail}
}

func (n *Notifier) Name() string { return providerName }

// Send emails the responder list for an approval event.
func (n *Notifier) Send(_ context.Context, event notifier.Event) error {
	if n.cfg.Host == "" || len(n.cfg.To) == 0 {
		return notifier.ErrNotConfigured
	}

	addr := fmt.Sprintf("%s:%d", n.cfg.Host, n.cfg.Port)
	subject := fmt.Sprintf("[%s] %s approval case %s", strings.ToUpper(event.Kind), event.Priority, event.CaseID)
	body := fmt.Sprintf(
		"Case %s for correlation %s requires attention from %s.<br>SLA deadline: %s",
		event.CaseID, event.CorrelationID, event.ResponderGroup, event.SLADeadline.Format(time.RFC3339))

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nContent-Type: text/html; charset=UTF-8\r\n\r\n%s",
		n.cfg.From, strings.Join(n.cfg.To, ", "), subject, body)

	var auth smtp.Auth
	if n.cfg.Password != "" {
		auth = smtp.PlainAuth("", n.cfg.From, n.cfg.Password, n.cfg.Host)
	}

	return n.send(addr, auth, n.cfg.From, n.cfg.To, []byte(msg))
}
