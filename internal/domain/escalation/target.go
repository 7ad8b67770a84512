// internal/domain/escalation/target.go
package escalation

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// TargetType is the kind of entity that receives an escalation.
type TargetType string

const (
	TargetTypeUser      TargetType = "user"
	TargetTypeUserGroup TargetType = "user_group"
	TargetTypeChannel   TargetType = "channel"
)

func (t TargetType) Valid() bool {
	switch t {
	case TargetTypeUser, TargetTypeUserGroup, TargetTypeChannel:
		return true
	}
	return false
}

// Target is resolved once per dispatch into exactly one of UserTarget,
// UserGroupTarget or ChannelTarget.
type Target interface {
	Type() TargetType
	Identifier() string
	Name() string
	isTarget()
}

type UserTarget struct {
	UserID      string
	DisplayName string
}

type UserGroupTarget struct {
	GroupID     string
	DisplayName string
}

type ChannelTarget struct {
	ChannelID   string
	DisplayName string
}

func (UserTarget) Type() TargetType { return TargetTypeUser }
func (t UserTarget) Identifier() string { return t.UserID }
func (t UserTarget) Name() string { return nameOr(t.DisplayName, t.UserID) }
func (UserTarget) isTarget() {}
func (UserGroupTarget) Type() TargetType { return TargetTypeUserGroup }
func (t UserGroupTarget) Identifier() string { return t.GroupID }
func (t UserGroupTarget) Name() string { return nameOr(t.DisplayName, t.GroupID) }
func (UserGroupTarget) isTarget() {}
func (ChannelTarget) Type() TargetType { return TargetTypeChannel }
func (t ChannelTarget) Identifier() string { return t.ChannelID }
func (t ChannelTarget) Name() string { return nameOr(t.DisplayName, t.ChannelID) }
func (ChannelTarget) isTarget() {}

func nameOr(name, id string) string {
	if name != "" {
		return name
	}
	return id
}

// TargetKey identifies a target within one question's ledger.
func TargetKey(t Target) string {
	return string(t.Type()) + ":" + t.Identifier()
}

// TargetRecord is the stored form of an escalation target.
// Corresponds to the 'escalation_targets' table. ChannelID is set for
// channel-specific overrides and empty for workspace defaults.
type TargetRecord struct {
	ID          int64
	WorkspaceID string
	ChannelID   sql.NullString
	Level       int
	Type        TargetType
	Identifier  string
	DisplayName string
	CreatedAt   time.Time
}

// Validate checks the record shape. Existence of the referenced entity is
// checked by the admin service, not here.
func (r *TargetRecord) Validate() error {
	if r.WorkspaceID == "" {
		return fmt.Errorf("%w: workspace id is required", ErrConfigurationInvalid)
	}
	if r.Level < 1 || r.Level > 3 {
		return fmt.Errorf("%w: level must be 1, 2 or 3, got %d", ErrConfigurationInvalid, r.Level)
	}
	if !r.Type.Valid() {
		return fmt.Errorf("%w: unknown target type %q", ErrConfigurationInvalid, r.Type)
	}
	if strings.TrimSpace(r.Identifier) == "" {
		return fmt.Errorf("%w: target identifier is required", ErrConfigurationInvalid)
	}
	return nil
}

// Target converts the record to its variant.
func (r *TargetRecord) Target() (Target, error) {
	switch r.Type {
	case TargetTypeUser:
		return UserTarget{UserID: r.Identifier, DisplayName: r.DisplayName}, nil
	case TargetTypeUserGroup:
		return UserGroupTarget{GroupID: r.Identifier, DisplayName: r.DisplayName}, nil
	case TargetTypeChannel:
		return ChannelTarget{ChannelID: r.Identifier, DisplayName: r.DisplayName}, nil
	default:
		return nil, fmt.Errorf("%w: unknown target type %q", ErrConfigurationInvalid, r.Type)
	}
}
