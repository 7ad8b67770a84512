package chat

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Notification is the outward escalation message for one question.
type Notification struct {
	QuestionID  int64
	WorkspaceID string
	ChannelID   string
	MessageID   string
	AskerID     string
	Level       int
	AskedAt     time.Time
	Text        string // rendered message body
}

// Sender delivers one notification per call to a chat platform.
// This keeps the application logic decoupled from the specific bot library.
type Sender interface {
	SendToUser(ctx context.Context, userID string, n Notification) error
	SendToUserGroup(ctx context.Context, groupID string, n Notification) error
	SendToChannel(ctx context.Context, channelID string, n Notification) error
}

// Directory answers whether an entity referenced by an escalation target
// exists on the platform. Used when targets are added, not when they are used.
type Directory interface {
	UserExists(ctx context.Context, userID string) (bool, error)
	UserGroupExists(ctx context.Context, groupID string) (bool, error)
	ChannelExists(ctx context.Context, channelID string) (bool, error)
}

// ErrorKind classifies a send failure for diagnostics.
type ErrorKind string

const (
	ErrorKindPermission ErrorKind = "permission"
	ErrorKindNotFound   ErrorKind = "not_found"
	ErrorKindTransient  ErrorKind = "transient"
	ErrorKindUnknown    ErrorKind = "unknown"
)

// SendError wraps a platform error with its classification.
type SendError struct {
	Kind ErrorKind
	Err  error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// KindOf extracts the classification of err. Context deadlines count as
// transient; anything unclassified is unknown.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var se *SendError
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrorKindTransient
	}
	return ErrorKindUnknown
}
