package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/vango-go/storybridge/pkg/convai"
)

// Profile is the YAML form of the conversation defaults sent when a session
// starts. Omitted fields keep the built-in defaults.
type Profile struct {
	Prompt       string   `yaml:"prompt"`
	FirstMessage string   `yaml:"first_message"`
	Language     string   `yaml:"language"`
	VoiceID      string   `yaml:"voice_id"`
	Temperature  *float64 `yaml:"temperature"`
	MaxTokens    *int     `yaml:"max_tokens"`
}

func LoadProfile(path string) (Profile, error) {
	var p Profile
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return p, fmt.Errorf("read conversation profile: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("parse conversation profile %q: %w", path, err)
	}
	if p.Temperature != nil && (*p.Temperature < 0 || *p.Temperature > 2) {
		return p, fmt.Errorf("conversation profile %q: temperature must be within [0, 2]", path)
	}
	if p.MaxTokens != nil && *p.MaxTokens <= 0 {
		return p, fmt.Errorf("conversation profile %q: max_tokens must be > 0", path)
	}
	return p, nil
}

func (p Profile) Initiation() convai.Initiation {
	return convai.DefaultInitiation().Merge(&convai.Override{
		Prompt:       p.Prompt,
		FirstMessage: p.FirstMessage,
		Language:     p.Language,
		VoiceID:      p.VoiceID,
		Temperature:  p.Temperature,
		MaxTokens:    p.MaxTokens,
	})
}

// ConversationDefaults returns the initiation defaults for new sessions,
// reading CONVERSATION_PROFILE when it is set.
func (c Config) ConversationDefaults() (convai.Initiation, error) {
	if strings.TrimSpace(c.ConversationProfile) == "" {
		return convai.DefaultInitiation(), nil
	}
	p, err := LoadProfile(c.ConversationProfile)
	if err != nil {
		return convai.Initiation{}, err
	}
	return p.Initiation(), nil
}
