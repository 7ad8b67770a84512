// internal/domain/escalation/config.go
package escalation

import (
	"database/sql"
	"fmt"
	"time"
)

// AnswerMode governs which chat signal marks a question answered.
type AnswerMode string

const (
	AnswerModeEmojiOnly  AnswerMode = "emoji_only"
	AnswerModeThreadAuto AnswerMode = "thread_auto"
	AnswerModeHybrid     AnswerMode = "hybrid"
)

func (m AnswerMode) Valid() bool {
	switch m {
	case AnswerModeEmojiOnly, AnswerModeThreadAuto, AnswerModeHybrid:
		return true
	}
	return false
}

const (
	MinDelayMinutes = 1
	MaxDelayMinutes = 1440
)

// Default delays used when neither the workspace nor the channel has a row.
const (
	DefaultFirstDelayMinutes  = 30
	DefaultSecondDelayMinutes = 60
)

// Config is the escalation configuration of a workspace, or of one channel
// when ChannelID is set. Corresponds to the 'escalation_configs' table.
type Config struct {
	ID                 int64
	WorkspaceID        string
	ChannelID          sql.NullString
	FirstDelayMinutes  int
	SecondDelayMinutes int
	ThirdDelayMinutes  int // 0 reuses the second delay
	AnswerMode         AnswerMode
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// DefaultConfig returns the built-in configuration for a workspace.
func DefaultConfig(workspaceID string) *Config {
	return &Config{
		WorkspaceID:        workspaceID,
		FirstDelayMinutes:  DefaultFirstDelayMinutes,
		SecondDelayMinutes: DefaultSecondDelayMinutes,
		AnswerMode:         AnswerModeHybrid,
	}
}

// Validate rejects configurations that would produce runaway or undefined
// scheduling windows.
func (c *Config) Validate() error {
	if c.WorkspaceID == "" {
		return fmt.Errorf("%w: workspace id is required", ErrConfigurationInvalid)
	}
	if err := checkDelay("first delay", c.FirstDelayMinutes); err != nil {
		return err
	}
	if err := checkDelay("second delay", c.SecondDelayMinutes); err != nil {
		return err
	}
	if c.ThirdDelayMinutes != 0 {
		if err := checkDelay("third delay", c.ThirdDelayMinutes); err != nil {
			return err
		}
	}
	if !c.AnswerMode.Valid() {
		return fmt.Errorf("%w: unknown answer mode %q", ErrConfigurationInvalid, c.AnswerMode)
	}
	return nil
}

func checkDelay(name string, minutes int) error {
	if minutes < MinDelayMinutes || minutes > MaxDelayMinutes {
		return fmt.Errorf("%w: %s must be between %d and %d minutes, got %d",
			ErrConfigurationInvalid, name, MinDelayMinutes, MaxDelayMinutes, minutes)
	}
	return nil
}

// DelayForLevel returns how long after the escalation basis the given level
// becomes due. Levels outside 1..3 return 0.
func (c *Config) DelayForLevel(level int) time.Duration {
	var minutes int
	switch level {
	case 1:
		minutes = c.FirstDelayMinutes
	case 2:
		minutes = c.SecondDelayMinutes
	case 3:
		minutes = c.ThirdDelayMinutes
		if minutes == 0 {
			minutes = c.SecondDelayMinutes
		}
	default:
		return 0
	}
	return time.Duration(minutes) * time.Minute
}
