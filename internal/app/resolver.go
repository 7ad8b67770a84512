package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"question_escalation_bot/internal/domain/escalation"
)

// Resolver answers which config and which targets apply to a question's
// channel. Channel overrides win over workspace defaults.
type Resolver interface {
	EffectiveConfig(ctx context.Context, workspaceID, channelID string) (*escalation.Config, error)
	Resolve(ctx context.Context, workspaceID, channelID string, level int) ([]escalation.Target, error)
}

type TargetResolver struct {
	configs escalation.ConfigRepository
	targets escalation.TargetRepository
}

func NewTargetResolver(configs escalation.ConfigRepository, targets escalation.TargetRepository) *TargetResolver {
	return &TargetResolver{configs: configs, targets: targets}
}

// EffectiveConfig returns the channel override, else the workspace default,
// else the built-in default.
func (r *TargetResolver) EffectiveConfig(ctx context.Context, workspaceID, channelID string) (*escalation.Config, error) {
	if channelID != "" {
		cfg, err := r.configs.GetConfig(ctx, workspaceID, channelID)
		if err == nil {
			return cfg, nil
		}
		if !errors.Is(err, escalation.ErrConfigNotFound) {
			return nil, fmt.Errorf("failed to load channel config: %w", err)
		}
	}

	cfg, err := r.configs.GetConfig(ctx, workspaceID, "")
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, escalation.ErrConfigNotFound) {
		return escalation.DefaultConfig(workspaceID), nil
	}
	return nil, fmt.Errorf("failed to load workspace config: %w", err)
}

// Resolve returns the targets for level. Channel targets for the level
// replace the workspace targets entirely; they are not merged.
// ErrTargetResolutionEmpty when neither scope has any.
func (r *TargetResolver) Resolve(ctx context.Context, workspaceID, channelID string, level int) ([]escalation.Target, error) {
	var records []*escalation.TargetRecord
	if channelID != "" {
		override, err := r.targets.ListTargets(ctx, workspaceID, channelID, level)
		if err != nil {
			return nil, fmt.Errorf("failed to list channel targets: %w", err)
		}
		records = override
	}
	if len(records) == 0 {
		defaults, err := r.targets.ListTargets(ctx, workspaceID, "", level)
		if err != nil {
			return nil, fmt.Errorf("failed to list workspace targets: %w", err)
		}
		records = defaults
	}

	targets := make([]escalation.Target, 0, len(records))
	for _, rec := range records {
		t, err := rec.Target()
		if err != nil {
			return nil, fmt.Errorf("target %d: %w", rec.ID, err)
		}
		targets = append(targets, t)
	}
	if len(targets) == 0 {
		return nil, escalation.ErrTargetResolutionEmpty
	}
	return targets, nil
}

// tickResolver memoizes a Resolver for the duration of one tick so that many
// questions in the same channel read config and targets once.
type tickResolver struct {
	inner Resolver

	mu      sync.Mutex
	configs map[string]*escalation.Config
	targets map[string]resolved
}

type resolved struct {
	targets []escalation.Target
	err     error
}

func newTickResolver(inner Resolver) *tickResolver {
	return &tickResolver{
		inner:   inner,
		configs: make(map[string]*escalation.Config),
		targets: make(map[string]resolved),
	}
}

func (r *tickResolver) EffectiveConfig(ctx context.Context, workspaceID, channelID string) (*escalation.Config, error) {
	key := workspaceID + "/" + channelID
	r.mu.Lock()
	cfg, ok := r.configs[key]
	r.mu.Unlock()
	if ok {
		return cfg, nil
	}

	cfg, err := r.inner.EffectiveConfig(ctx, workspaceID, channelID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.configs[key] = cfg
	r.mu.Unlock()
	return cfg, nil
}

func (r *tickResolver) Resolve(ctx context.Context, workspaceID, channelID string, level int) ([]escalation.Target, error) {
	key := fmt.Sprintf("%s/%s/%d", workspaceID, channelID, level)
	r.mu.Lock()
	res, ok := r.targets[key]
	r.mu.Unlock()
	if ok {
		return res.targets, res.err
	}

	targets, err := r.inner.Resolve(ctx, workspaceID, channelID, level)
	// Store failures are not cached so the next question gets a fresh try.
	if err != nil && !errors.Is(err, escalation.ErrTargetResolutionEmpty) {
		return nil, err
	}
	r.mu.Lock()
	r.targets[key] = resolved{targets: targets, err: err}
	r.mu.Unlock()
	return targets, err
}
