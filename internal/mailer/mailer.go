// Package mailer delivers rendered approval emails. The workflow only knows
// the Sender interface; the transport is picked from configuration.
package mailer

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// ErrPermanent marks a delivery failure that retrying will not fix, such as
// a rejected recipient. The outbox job parks these immediately.
var ErrPermanent = errors.New("permanent delivery failure")

// Transport names accepted by New
const (
	TransportSMTP = "smtp"
	TransportHTTP = "http"
	TransportLog  = "log"
)

// Email is one message ready to send
type Email struct {
	To      string
	ToName  string
	Subject string
	HTML    string
}

// Sender delivers an email and returns the provider's message id
type Sender interface {
	Send(ctx context.Context, email Email) (string, error)
}

// Options selects and configures a transport
type Options struct {
	Transport string
	From      string

	SMTPHost       string
	SMTPPort       string
	SMTPUser       string
	SMTPPassword   string
	SMTPTLSEnabled bool

	NotificationServiceURL string
}

// New builds the Sender named by opts.Transport
func New(opts Options, logger *logrus.Logger) (Sender, error) {
	switch opts.Transport {
	case TransportSMTP:
		if opts.SMTPHost == "" || opts.SMTPPort == "" {
			return nil, fmt.Errorf("smtp transport needs SMTP_HOST and SMTP_PORT")
		}
		return NewSMTPSender(opts.SMTPHost, opts.SMTPPort, opts.SMTPUser, opts.SMTPPassword, opts.From, opts.SMTPTLSEnabled), nil
	case TransportHTTP:
		if opts.NotificationServiceURL == "" {
			return nil, fmt.Errorf("http transport needs NOTIFICATION_SERVICE_URL")
		}
		return NewHTTPSender(opts.NotificationServiceURL, opts.From), nil
	case TransportLog, "":
		return NewLogSender(logger), nil
	}
	return nil, fmt.Errorf("unknown mail transport %q", opts.Transport)
}
