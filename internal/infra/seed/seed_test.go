package seed

import (
	"os"
	"path/filepath"
	"testing"

	"question_escalation_bot/internal/domain/escalation"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
scopes:
  - channel: ""
    first_delay_minutes: 2
    second_delay_minutes: 5
    answer_mode: Emoji_Only
    targets:
      - level: 1
        type: user
        id: " 123456789 "
        name: On-call lead
      - level: 2
        type: USER_GROUP
        id: leads
  - channel: "-1001234567890"
    answer_mode: hybrid
    targets:
      - level: 1
        type: channel
        id: "-1009999"
`

func TestParse(t *testing.T) {
	scopes, err := Parse([]byte(sample))
	require.NoError(t, err)
	require.Len(t, scopes, 2)

	ws := scopes[0]
	assert.Equal(t, "", ws.Config.ChannelID)
	assert.Equal(t, 2, ws.Config.FirstDelayMinutes)
	assert.Equal(t, 5, ws.Config.SecondDelayMinutes)
	assert.Equal(t, escalation.AnswerModeEmojiOnly, ws.Config.AnswerMode)
	require.Len(t, ws.Targets, 2)
	assert.Equal(t, "123456789", ws.Targets[0].Identifier)
	assert.Equal(t, "On-call lead", ws.Targets[0].DisplayName)
	assert.Equal(t, escalation.TargetTypeUserGroup, ws.Targets[1].Type)

	ch := scopes[1]
	assert.Equal(t, "-1001234567890", ch.Config.ChannelID)
	assert.Zero(t, ch.Config.FirstDelayMinutes)
	require.Len(t, ch.Targets, 1)
	assert.Equal(t, "-1001234567890", ch.Targets[0].ChannelID)
	assert.Equal(t, escalation.TargetTypeChannel, ch.Targets[0].Type)
}

func TestParse_RejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("scopes:\n  - channel: \"\"\n    first_delay: 5\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse seed file")
}

func TestParse_RejectsDuplicateScopes(t *testing.T) {
	_, err := Parse([]byte("scopes:\n  - channel: c1\n  - channel: \" c1 \"\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `duplicate seed scope "c1"`)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	scopes, err := LoadFile(path)
	require.NoError(t, err)
	assert.Len(t, scopes, 2)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
