package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPSender hands messages to the notification service
type HTTPSender struct {
	baseURL    string
	from       string
	httpClient *http.Client
}

// notificationRequest is the API request format for notification-service
type notificationRequest struct {
	Channel        string `json:"channel"`
	RecipientEmail string `json:"recipientEmail"`
	RecipientName  string `json:"recipientName,omitempty"`
	From           string `json:"from,omitempty"`
	Subject        string `json:"subject"`
	HTML           string `json:"html"`
}

type notificationResponse struct {
	ID             string `json:"id"`
	NotificationID string `json:"notificationId"`
}

// NewHTTPSender creates a notification-service transport
func NewHTTPSender(baseURL, from string) *HTTPSender {
	return &HTTPSender{
		baseURL: strings.TrimRight(baseURL, "/"),
		from:    from,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Send posts the message and returns the id the service assigned
func (s *HTTPSender) Send(ctx context.Context, email Email) (string, error) {
	body, err := json.Marshal(&notificationRequest{
		Channel:        "EMAIL",
		RecipientEmail: email.To,
		RecipientName:  email.ToName,
		From:           s.from,
		Subject:        email.Subject,
		HTML:           email.HTML,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal notification request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/v1/notifications/send", bytes.NewBuffer(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Internal-Service", "timesheet-approval-service")

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("failed to send notification: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", fmt.Errorf("notification service returned status %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return "", fmt.Errorf("%w: notification service returned status %d", ErrPermanent, resp.StatusCode)
	}

	var out notificationResponse
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return "", fmt.Errorf("decode notification response: %w", err)
		}
	}
	if out.ID != "" {
		return out.ID, nil
	}
	return out.NotificationID, nil
}
