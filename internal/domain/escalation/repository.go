// internal/domain/escalation/repository.go
package escalation

import (
	"context"
	"errors"
)

var (
	ErrConfigNotFound        = errors.New("escalation config not found")
	ErrConfigurationInvalid  = errors.New("invalid escalation configuration")
	ErrTargetNotFound        = errors.New("escalation target not found")
	ErrDuplicateTarget       = errors.New("escalation target already configured")
	ErrTargetResolutionEmpty = errors.New("no escalation targets configured for level")
)

// ConfigRepository reads and writes escalation configs. Reads may be
// slightly stale relative to administrative writes.
type ConfigRepository interface {
	// GetConfig returns the workspace default when channelID is empty and the
	// channel override otherwise. ErrConfigNotFound when there is no row.
	GetConfig(ctx context.Context, workspaceID, channelID string) (*Config, error)
	UpsertConfig(ctx context.Context, cfg *Config) error
}

// TargetRepository stores escalation targets.
type TargetRepository interface {
	// ListTargets returns targets for exactly the given scope: workspace
	// defaults when channelID is empty, the channel's overrides otherwise.
	ListTargets(ctx context.Context, workspaceID, channelID string, level int) ([]*TargetRecord, error)
	ListAllTargets(ctx context.Context, workspaceID string) ([]*TargetRecord, error)
	AddTarget(ctx context.Context, t *TargetRecord) error
	RemoveTarget(ctx context.Context, workspaceID string, id int64) error
}

// EventRepository is the append-only audit ledger.
type EventRepository interface {
	Append(ctx context.Context, events []*Event) error
	// SucceededTargets returns the TargetKey of every target that already has
	// a success event for the question at the level.
	SucceededTargets(ctx context.Context, questionID int64, level int) (map[string]bool, error)
	ListForQuestion(ctx context.Context, questionID int64) ([]*Event, error)
}
