// Package webhook delivers escalations as JSON POSTs to a single HTTP endpoint.
// It stands in for a chat platform in deployments without a bot token.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"question_escalation_bot/internal/domain/chat"
)

var (
	_ chat.Sender    = (*Sender)(nil)
	_ chat.Directory = Directory{}
)

// Payload is the JSON body posted for every notification.
type Payload struct {
	TargetType  string    `json:"target_type"`
	TargetID    string    `json:"target_id"`
	QuestionID  int64     `json:"question_id"`
	WorkspaceID string    `json:"workspace_id"`
	ChannelID   string    `json:"channel_id"`
	MessageID   string    `json:"message_id"`
	AskerID     string    `json:"asker_id"`
	Level       int       `json:"level"`
	AskedAt     time.Time `json:"asked_at"`
	Text        string    `json:"text"`
}

type Sender struct {
	url    string
	client *http.Client
}

func NewSender(url string) *Sender {
	return &Sender{
		url: url,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// NewSenderWithClient creates a Sender with a custom HTTP client.
func NewSenderWithClient(url string, client *http.Client) *Sender {
	return &Sender{url: url, client: client}
}

func (s *Sender) SendToUser(ctx context.Context, userID string, n chat.Notification) error {
	return s.post(ctx, "user", userID, n)
}

func (s *Sender) SendToUserGroup(ctx context.Context, groupID string, n chat.Notification) error {
	return s.post(ctx, "user_group", groupID, n)
}

func (s *Sender) SendToChannel(ctx context.Context, channelID string, n chat.Notification) error {
	return s.post(ctx, "channel", channelID, n)
}

func (s *Sender) post(ctx context.Context, targetType, targetID string, n chat.Notification) error {
	body, err := json.Marshal(Payload{
		TargetType:  targetType,
		TargetID:    targetID,
		QuestionID:  n.QuestionID,
		WorkspaceID: n.WorkspaceID,
		ChannelID:   n.ChannelID,
		MessageID:   n.MessageID,
		AskerID:     n.AskerID,
		Level:       n.Level,
		AskedAt:     n.AskedAt.UTC(),
		Text:        n.Text,
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return &chat.SendError{Kind: classifyTransport(err), Err: fmt.Errorf("webhook request: %w", err)}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 400 {
		return &chat.SendError{
			Kind: KindForStatus(resp.StatusCode),
			Err:  fmt.Errorf("webhook returned %d", resp.StatusCode),
		}
	}
	return nil
}

// KindForStatus maps an HTTP status code to a send error kind.
func KindForStatus(code int) chat.ErrorKind {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return chat.ErrorKindPermission
	case code == http.StatusNotFound || code == http.StatusGone:
		return chat.ErrorKindNotFound
	case code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500:
		return chat.ErrorKindTransient
	default:
		return chat.ErrorKindUnknown
	}
}

func classifyTransport(err error) chat.ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return chat.ErrorKindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return chat.ErrorKindTransient
	}
	return chat.ErrorKindUnknown
}

// Directory accepts every identifier: a webhook receiver has no user or
// channel registry to check against.
type Directory struct{}

func (Directory) UserExists(context.Context, string) (bool, error) { return true, nil }
func (Directory) UserGroupExists(context.Context, string) (bool, error) { return true, nil }
func (Directory) ChannelExists(context.Context, string) (bool, error) { return true, nil }
