package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"question_escalation_bot/internal/domain/chat"
	"question_escalation_bot/internal/domain/escalation"
)

// Custom application-level errors for admin service
var ErrAdminNotAuthorized = fmt.Errorf("performing user is not authorized as an admin")
var ErrTargetDoesNotExist = fmt.Errorf("escalation target does not exist on the chat platform")

// AdminService manages escalation configs and targets for one workspace.
type AdminService struct {
	configs     escalation.ConfigRepository
	targets     escalation.TargetRepository
	directory   chat.Directory
	workspaceID string
	adminID     int64
}

func NewAdminService(configs escalation.ConfigRepository, targets escalation.TargetRepository, directory chat.Directory, workspaceID string, adminID int64) *AdminService {
	return &AdminService{
		configs:     configs,
		targets:     targets,
		directory:   directory,
		workspaceID: workspaceID,
		adminID:     adminID,
	}
}

// TargetInput is an administrative request to add an escalation target.
// An empty ChannelID adds a workspace default.
type TargetInput struct {
	ChannelID   string
	Level       int
	Type        escalation.TargetType
	Identifier  string
	DisplayName string
}

// AddTarget validates the target, checks it exists on the platform, then
// stores it.
func (s *AdminService) AddTarget(ctx context.Context, performingAdminID int64, in TargetInput) (*escalation.TargetRecord, error) {
	if performingAdminID != s.adminID {
		return nil, ErrAdminNotAuthorized
	}
	return s.addTarget(ctx, in)
}

func (s *AdminService) addTarget(ctx context.Context, in TargetInput) (*escalation.TargetRecord, error) {
	rec := &escalation.TargetRecord{
		WorkspaceID: s.workspaceID,
		ChannelID:   nullString(in.ChannelID),
		Level:       in.Level,
		Type:        in.Type,
		Identifier:  strings.TrimSpace(in.Identifier),
		DisplayName: strings.TrimSpace(in.DisplayName),
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	exists, err := s.targetExists(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("failed to check target on chat platform: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s %s", ErrTargetDoesNotExist, rec.Type, rec.Identifier)
	}

	if err := s.targets.AddTarget(ctx, rec); err != nil {
		if errors.Is(err, escalation.ErrDuplicateTarget) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to store escalation target: %w", err)
	}
	return rec, nil
}

func (s *AdminService) targetExists(ctx context.Context, rec *escalation.TargetRecord) (bool, error) {
	switch rec.Type {
	case escalation.TargetTypeUser:
		return s.directory.UserExists(ctx, rec.Identifier)
	case escalation.TargetTypeUserGroup:
		return s.directory.UserGroupExists(ctx, rec.Identifier)
	case escalation.TargetTypeChannel:
		return s.directory.ChannelExists(ctx, rec.Identifier)
	}
	return false, nil
}

// RemoveTarget deletes a target by id.
func (s *AdminService) RemoveTarget(ctx context.Context, performingAdminID int64, targetID int64) error {
	if performingAdminID != s.adminID {
		return ErrAdminNotAuthorized
	}
	if err := s.targets.RemoveTarget(ctx, s.workspaceID, targetID); err != nil {
		if errors.Is(err, escalation.ErrTargetNotFound) {
			return err
		}
		return fmt.Errorf("failed to remove escalation target: %w", err)
	}
	return nil
}

// ListTargets returns every configured target of the workspace.
func (s *AdminService) ListTargets(ctx context.Context, performingAdminID int64) ([]*escalation.TargetRecord, error) {
	if performingAdminID != s.adminID {
		return nil, ErrAdminNotAuthorized
	}
	return s.targets.ListAllTargets(ctx, s.workspaceID)
}

// ConfigInput changes the delays and/or answer mode of a scope. Zero delays
// and an empty mode keep the current value.
type ConfigInput struct {
	ChannelID          string
	FirstDelayMinutes  int
	SecondDelayMinutes int
	ThirdDelayMinutes  int
	AnswerMode         escalation.AnswerMode
}

// SetConfig merges in with the scope's current config and stores the result.
// Invalid results are rejected before anything is written.
func (s *AdminService) SetConfig(ctx context.Context, performingAdminID int64, in ConfigInput) (*escalation.Config, error) {
	if performingAdminID != s.adminID {
		return nil, ErrAdminNotAuthorized
	}
	return s.setConfig(ctx, in)
}

func (s *AdminService) setConfig(ctx context.Context, in ConfigInput) (*escalation.Config, error) {
	cfg, err := s.configs.GetConfig(ctx, s.workspaceID, in.ChannelID)
	if errors.Is(err, escalation.ErrConfigNotFound) {
		cfg = escalation.DefaultConfig(s.workspaceID)
		cfg.ChannelID = nullString(in.ChannelID)
	} else if err != nil {
		return nil, fmt.Errorf("failed to load escalation config: %w", err)
	}

	if in.FirstDelayMinutes != 0 {
		cfg.FirstDelayMinutes = in.FirstDelayMinutes
	}
	if in.SecondDelayMinutes != 0 {
		cfg.SecondDelayMinutes = in.SecondDelayMinutes
	}
	if in.ThirdDelayMinutes != 0 {
		cfg.ThirdDelayMinutes = in.ThirdDelayMinutes
	}
	if in.AnswerMode != "" {
		cfg.AnswerMode = in.AnswerMode
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := s.configs.UpsertConfig(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to store escalation config: %w", err)
	}
	return cfg, nil
}

// ScopeConfig is one config entry of a seed file.
type ScopeConfig struct {
	Config  ConfigInput
	Targets []TargetInput
}

// ApplySeed loads configs and targets from a trusted file. Existing targets
// are left in place; duplicates are skipped.
func (s *AdminService) ApplySeed(ctx context.Context, scopes []ScopeConfig) (configs int, targets int, err error) {
	for _, scope := range scopes {
		if _, err := s.setConfig(ctx, scope.Config); err != nil {
			return configs, targets, fmt.Errorf("scope %q: %w", scope.Config.ChannelID, err)
		}
		configs++
		for _, t := range scope.Targets {
			t.ChannelID = scope.Config.ChannelID
			if _, err := s.addTarget(ctx, t); err != nil {
				if errors.Is(err, escalation.ErrDuplicateTarget) {
					continue
				}
				return configs, targets, fmt.Errorf("scope %q target %s: %w", scope.Config.ChannelID, t.Identifier, err)
			}
			targets++
		}
	}
	return configs, targets, nil
}

func (s *AdminService) WorkspaceID() string { return s.workspaceID }
