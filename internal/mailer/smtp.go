package mailer

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SMTP sends mail through a plain SMTP relay with optional AUTH.
type SMTP struct {
	addr string
	host string
	auth smtp.Auth
}

func NewSMTP(host, port, user, pass string) *SMTP {
	s := &SMTP{
		addr: host + ":" + port,
		host: host,
	}
	if user != "" {
		s.auth = smtp.PlainAuth("", user, pass, host)
	}
	return s
}

// Send delivers one message. net/smtp does not take a context, so
// cancellation is only honored up front; the dial itself is bounded by the
// relay's own timeouts.
func (s *SMTP) Send(ctx context.Context, msg Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), s.host)

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", msg.From)
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	fmt.Fprintf(&b, "Message-ID: %s\r\n", messageID)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(msg.HTML)

	if err := smtp.SendMail(s.addr, s.auth, msg.From, []string{msg.To}, []byte(b.String())); err != nil {
		return "", fmt.Errorf("sending via %s: %w", s.addr, err)
	}
	return messageID, nil
}
