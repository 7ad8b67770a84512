// Package seed reads escalation configs and targets from a YAML file.
//
// Example:
//
//	scopes:
//	  - channel: ""            # workspace default
//	    first_delay_minutes: 2
//	    answer_mode: emoji_only
//	    targets:
//	      - level: 1
//	        type: user
//	        id: "123456789"
//	        name: On-call lead
//	  - channel: "-1001234567890"
//	    answer_mode: hybrid
package seed

import (
	"fmt"
	"os"
	"strings"

	"question_escalation_bot/internal/app"
	"question_escalation_bot/internal/domain/escalation"

	"gopkg.in/yaml.v3"
)

type File struct {
	Scopes []Scope `yaml:"scopes"`
}

type Scope struct {
	Channel            string   `yaml:"channel"`
	FirstDelayMinutes  int      `yaml:"first_delay_minutes"`
	SecondDelayMinutes int      `yaml:"second_delay_minutes"`
	ThirdDelayMinutes  int      `yaml:"third_delay_minutes"`
	AnswerMode         string   `yaml:"answer_mode"`
	Targets            []Target `yaml:"targets"`
}

type Target struct {
	Level int    `yaml:"level"`
	Type  string `yaml:"type"`
	ID    string `yaml:"id"`
	Name  string `yaml:"name"`
}

func LoadFile(path string) ([]app.ScopeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a seed document. Unknown keys are rejected so typos do not
// silently drop targets. Values are checked later by the admin service.
func Parse(data []byte) ([]app.ScopeConfig, error) {
	var f File
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}

	seen := make(map[string]bool, len(f.Scopes))
	scopes := make([]app.ScopeConfig, 0, len(f.Scopes))
	for _, s := range f.Scopes {
		channel := strings.TrimSpace(s.Channel)
		if seen[channel] {
			return nil, fmt.Errorf("duplicate seed scope %q", channel)
		}
		seen[channel] = true

		sc := app.ScopeConfig{
			Config: app.ConfigInput{
				ChannelID:          channel,
				FirstDelayMinutes:  s.FirstDelayMinutes,
				SecondDelayMinutes: s.SecondDelayMinutes,
				ThirdDelayMinutes:  s.ThirdDelayMinutes,
				AnswerMode:         escalation.AnswerMode(strings.ToLower(strings.TrimSpace(s.AnswerMode))),
			},
			Targets: make([]app.TargetInput, 0, len(s.Targets)),
		}
		for _, t := range s.Targets {
			sc.Targets = append(sc.Targets, app.TargetInput{
				ChannelID:   channel,
				Level:       t.Level,
				Type:        escalation.TargetType(strings.ToLower(strings.TrimSpace(t.Type))),
				Identifier:  strings.TrimSpace(t.ID),
				DisplayName: strings.TrimSpace(t.Name),
			})
		}
		scopes = append(scopes, sc)
	}
	return scopes, nil
}
