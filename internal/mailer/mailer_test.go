package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/mail"
	"testing"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testEmail = Email{
	To:      "mo@example.com",
	ToName:  "Manager Mo",
	Subject: "Timesheet approval requested: Alice",
	HTML:    "<p>Please approve</p>",
}

func TestSMTPSender_BuildsAndSendsMessage(t *testing.T) {
	s := NewSMTPSender("smtp.example.com", "587", "relay@example.com", "secret", "approvals@example.com", false)

	var gotAddr, gotFrom string
	var gotTo []string
	var gotAuth sasl.Client
	var raw []byte
	s.send = func(addr string, a sasl.Client, from string, to []string, r io.Reader) error {
		gotAddr, gotAuth, gotFrom, gotTo = addr, a, from, to
		var err error
		raw, err = io.ReadAll(r)
		return err
	}

	id, err := s.Send(context.Background(), testEmail)
	require.NoError(t, err)

	assert.Equal(t, "smtp.example.com:587", gotAddr)
	assert.Equal(t, "relay@example.com", gotFrom)
	assert.Equal(t, []string{"mo@example.com"}, gotTo)
	assert.NotNil(t, gotAuth)

	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, id, msg.Header.Get("Message-Id"))
	assert.Contains(t, id, "@example.com>")
	assert.Equal(t, "approvals@example.com", msg.Header.Get("From"))
	assert.Contains(t, msg.Header.Get("To"), "mo@example.com")
	assert.Equal(t, testEmail.Subject, msg.Header.Get("Subject"))
	assert.Contains(t, msg.Header.Get("Content-Type"), "text/html")
}

func TestSMTPSender_NoAuthWithoutUser(t *testing.T) {
	s := NewSMTPSender("localhost", "1025", "", "", "approvals@example.com", false)
	var gotAuth sasl.Client = sasl.NewAnonymousClient("x")
	var gotFrom string
	s.send = func(addr string, a sasl.Client, from string, to []string, r io.Reader) error {
		gotAuth, gotFrom = a, from
		return nil
	}

	_, err := s.Send(context.Background(), testEmail)
	require.NoError(t, err)
	assert.Nil(t, gotAuth)
	assert.Equal(t, "approvals@example.com", gotFrom)
}

func TestSMTPSender_ClassifiesErrors(t *testing.T) {
	s := NewSMTPSender("localhost", "25", "", "", "approvals@example.com", false)

	s.send = func(string, sasl.Client, string, []string, io.Reader) error {
		return &smtp.SMTPError{Code: 550, Message: "mailbox unavailable"}
	}
	_, err := s.Send(context.Background(), testEmail)
	assert.ErrorIs(t, err, ErrPermanent)

	s.send = func(string, sasl.Client, string, []string, io.Reader) error {
		return &smtp.SMTPError{Code: 451, Message: "try later"}
	}
	_, err = s.Send(context.Background(), testEmail)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrPermanent)
}

func TestSMTPSender_HonoursCancelledContext(t *testing.T) {
	s := NewSMTPSender("localhost", "25", "", "", "approvals@example.com", false)
	called := false
	s.send = func(string, sasl.Client, string, []string, io.Reader) error {
		called = true
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Send(ctx, testEmail)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestHTTPSender_Send(t *testing.T) {
	var got notificationRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/notifications/send", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"id":"notif-123"}`))
	}))
	defer server.Close()

	s := NewHTTPSender(server.URL+"/", "approvals@example.com")
	id, err := s.Send(context.Background(), testEmail)
	require.NoError(t, err)
	assert.Equal(t, "notif-123", id)
	assert.Equal(t, "EMAIL", got.Channel)
	assert.Equal(t, testEmail.To, got.RecipientEmail)
	assert.Equal(t, testEmail.HTML, got.HTML)
	assert.Equal(t, "approvals@example.com", got.From)
}

func TestHTTPSender_StatusClassification(t *testing.T) {
	status := http.StatusBadRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer server.Close()

	s := NewHTTPSender(server.URL, "approvals@example.com")

	_, err := s.Send(context.Background(), testEmail)
	assert.ErrorIs(t, err, ErrPermanent)

	status = http.StatusServiceUnavailable
	_, err = s.Send(context.Background(), testEmail)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrPermanent)

	status = http.StatusTooManyRequests
	_, err = s.Send(context.Background(), testEmail)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrPermanent)
}

func TestLogSender(t *testing.T) {
	id, err := NewLogSender(nil).Send(context.Background(), testEmail)
	require.NoError(t, err)
	assert.Contains(t, id, "log-")
}

func TestNew(t *testing.T) {
	s, err := New(Options{Transport: TransportLog}, nil)
	require.NoError(t, err)
	assert.IsType(t, &LogSender{}, s)

	s, err = New(Options{Transport: TransportSMTP, SMTPHost: "mail", SMTPPort: "465", SMTPTLSEnabled: true}, nil)
	require.NoError(t, err)
	assert.IsType(t, &SMTPSender{}, s)

	s, err = New(Options{Transport: TransportHTTP, NotificationServiceURL: "http://notify:8090"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &HTTPSender{}, s)

	_, err = New(Options{Transport: TransportSMTP}, nil)
	assert.Error(t, err)
	_, err = New(Options{Transport: "pigeon"}, nil)
	assert.Error(t, err)
}
