package mailer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"
	"gopkg.in/gomail.v2"
)

type sendFunc func(addr string, a sasl.Client, from string, to []string, r io.Reader) error

// SMTPSender relays mail through an SMTP server
type SMTPSender struct {
	host       string
	port       string
	user       string
	password   string
	from       string
	tlsEnabled bool
	send       sendFunc
}

// NewSMTPSender creates an SMTP transport. With tlsEnabled the connection is
// implicit TLS, otherwise STARTTLS is used when the server offers it.
func NewSMTPSender(host, port, user, password, from string, tlsEnabled bool) *SMTPSender {
	s := &SMTPSender{
		host:       host,
		port:       port,
		user:       user,
		password:   password,
		from:       from,
		tlsEnabled: tlsEnabled,
		send:       smtp.SendMail,
	}
	if tlsEnabled {
		s.send = smtp.SendMailTLS
	}
	return s
}

// Send delivers the message. The returned id is the Message-ID header we set,
// since SMTP relays do not hand one back.
func (s *SMTPSender) Send(ctx context.Context, email Email) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	messageID := newMessageID(s.from)
	body, err := buildMessage(s.from, messageID, email)
	if err != nil {
		return "", err
	}

	var auth sasl.Client
	if s.user != "" {
		auth = sasl.NewPlainClient("", s.user, s.password)
	}

	envelopeFrom := s.from
	if s.user != "" && strings.Contains(s.user, "@") {
		envelopeFrom = s.user
	}

	if err := s.send(s.host+":"+s.port, auth, envelopeFrom, []string{email.To}, bytes.NewReader(body)); err != nil {
		var smtpErr *smtp.SMTPError
		if errors.As(err, &smtpErr) && smtpErr.Code >= 500 {
			return "", fmt.Errorf("%w: smtp %d: %s", ErrPermanent, smtpErr.Code, smtpErr.Message)
		}
		return "", fmt.Errorf("smtp send: %w", err)
	}
	return messageID, nil
}

// buildMessage renders an RFC 5322 message with an HTML body
func buildMessage(from, messageID string, email Email) ([]byte, error) {
	m := gomail.NewMessage()
	m.SetHeader("From", from)
	if email.ToName != "" {
		m.SetAddressHeader("To", email.To, email.ToName)
	} else {
		m.SetHeader("To", email.To)
	}
	m.SetHeader("Subject", email.Subject)
	m.SetHeader("Message-ID", messageID)
	m.SetBody("text/html", email.HTML)

	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("build message: %w", err)
	}
	return buf.Bytes(), nil
}

func newMessageID(from string) string {
	domain := "localhost"
	if at := strings.LastIndex(from, "@"); at >= 0 && at < len(from)-1 {
		domain = strings.Trim(from[at+1:], "<> ")
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
}
