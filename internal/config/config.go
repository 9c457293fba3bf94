// Package config loads the per-channel mirror configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/ChannelMirror/internal/models"
)

// ChannelConfig describes one source channel and its destination webhook.
// Webhook URLs are injected configuration, never hard-coded in the core.
type ChannelConfig struct {
	ID      string `yaml:"id"`
	Webhook string `yaml:"webhook"`
	// Name is an optional label used in logs.
	Name string `yaml:"name,omitempty"`
	// ChannelStart clamps the earliest exportable time for the first run.
	ChannelStart time.Time `yaml:"channel_start,omitempty"`
}

// Validate checks the required fields.
func (c ChannelConfig) Validate() error {
	if c.ID == "" {
		return models.ErrEmptyChannelID
	}
	if c.Webhook == "" {
		return fmt.Errorf("channel %s: %w", c.ID, models.ErrEmptyWebhookURL)
	}
	return nil
}

// Label returns the log label: the configured name, or the id.
func (c ChannelConfig) Label() string {
	if c.Name != "" {
		return c.Name
	}
	return c.ID
}

type channelsFile struct {
	Channels []ChannelConfig `yaml:"channels"`
}

// LoadChannels reads and validates the channels YAML file.
func LoadChannels(path string) ([]ChannelConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read channels file %s: %w", path, err)
	}
	var doc channelsFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse channels file %s: %w", path, err)
	}
	if len(doc.Channels) == 0 {
		return nil, fmt.Errorf("channels file %s defines no channels", path)
	}

	seen := make(map[string]struct{}, len(doc.Channels))
	for _, ch := range doc.Channels {
		if err := ch.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[ch.ID]; dup {
			return nil, fmt.Errorf("duplicate channel id %s in %s", ch.ID, path)
		}
		seen[ch.ID] = struct{}{}
	}
	return doc.Channels, nil
}
