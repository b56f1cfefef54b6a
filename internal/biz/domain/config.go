package domain

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"gopkg.in/yaml.v3"
)

// ConfigVersion is the only config document version this build understands
const ConfigVersion = 1

// Default values, also used for fields missing from the config file
const (
	DefaultTargetStream       = "anonymous"
	DefaultTargetTopic        = "general"
	DefaultDeleteAfterMinutes = 7 * 24 * 60
	DefaultLogLevel           = "info"
)

var validLogLevels = map[string]bool{
	"trace": true,
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Config is the dynamic bot configuration, editable at runtime by admins
type Config struct {
	Version          int                    `yaml:"version"`
	AnonymousPosting AnonymousPostingConfig `yaml:"anonymous_posting"`
	PrivateAccess    PrivateAccessConfig    `yaml:"private_access"`
	Logging          LoggingConfig          `yaml:"logging"`
}

// AnonymousPostingConfig configures the anonymous posting feature
type AnonymousPostingConfig struct {
	Enabled            bool   `yaml:"enabled"`
	TargetStream       string `yaml:"target_stream"`
	TargetTopic        string `yaml:"target_topic"`
	DeleteAfterMinutes int    `yaml:"delete_after_minutes"`
}

// PrivateAccessConfig configures the private access feature
type PrivateAccessConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WatchRules []Rule `yaml:"watch_rules"`
}

// LoggingConfig configures log output
type LoggingConfig struct {
	Level            string `yaml:"level"`
	AnonymizeUserIDs bool   `yaml:"anonymize_user_ids"`
}

// Rule subscribes whoever posts Phrase in Stream/Topic to TargetStream
type Rule struct {
	Stream       string `yaml:"stream"`
	Topic        string `yaml:"topic"`
	Phrase       string `yaml:"phrase"`
	TargetStream string `yaml:"target_stream"`
}

// DefaultConfig returns the fully-defaulted configuration
func DefaultConfig() Config {
	return Config{
		Version: ConfigVersion,
		AnonymousPosting: AnonymousPostingConfig{
			Enabled:            true,
			TargetStream:       DefaultTargetStream,
			TargetTopic:        DefaultTargetTopic,
			DeleteAfterMinutes: DefaultDeleteAfterMinutes,
		},
		PrivateAccess: PrivateAccessConfig{
			Enabled: true,
			WatchRules: []Rule{
				{Stream: "access-requests", Topic: "example-topic", Phrase: "Default string 1", TargetStream: "private-room-1"},
				{Stream: "access-requests", Topic: "example-topic", Phrase: "Default string 2", TargetStream: "private-room-2"},
			},
		},
		Logging: LoggingConfig{
			Level:            DefaultLogLevel,
			AnonymizeUserIDs: true,
		},
	}
}

// ParseConfig builds a validated Config from a YAML document.
// Missing fields keep their defaults and unknown fields are ignored;
// a wrongly-typed field is a ValidationError.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		var typeErr *yaml.TypeError
		if errors.As(err, &typeErr) {
			return Config{}, &ValidationError{Message: strings.Join(typeErr.Errors, "; ")}
		}
		return Config{}, &ValidationError{Message: fmt.Sprintf("malformed YAML: %v", err)}
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Marshal renders the config as YAML
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Clone returns a deep copy
func (c Config) Clone() Config {
	out := c
	if c.PrivateAccess.WatchRules != nil {
		out.PrivateAccess.WatchRules = make([]Rule, len(c.PrivateAccess.WatchRules))
		copy(out.PrivateAccess.WatchRules, c.PrivateAccess.WatchRules)
	}
	return out
}

// Normalize canonicalizes fields that have an equivalent spelling
func (c *Config) Normalize() {
	if c.Version == 0 {
		c.Version = ConfigVersion
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.AnonymousPosting.TargetStream = strings.TrimSpace(c.AnonymousPosting.TargetStream)
	c.AnonymousPosting.TargetTopic = strings.TrimSpace(c.AnonymousPosting.TargetTopic)
}

// Validate checks the semantic invariants of the config
func (c *Config) Validate() error {
	if c.Version != ConfigVersion {
		return NewValidationError("version", "unsupported config version %d", c.Version)
	}

	anon := c.AnonymousPosting
	if anon.TargetStream == "" {
		return NewValidationError("anonymous_posting.target_stream", "must not be empty")
	}
	if anon.DeleteAfterMinutes <= 0 {
		return NewValidationError("anonymous_posting.delete_after_minutes", "must be a positive integer")
	}

	for i, r := range c.PrivateAccess.WatchRules {
		field := fmt.Sprintf("private_access.watch_rules[%d]", i)
		if strings.TrimSpace(r.Stream) == "" {
			return NewValidationError(field+".stream", "must not be empty")
		}
		if strings.TrimSpace(r.Phrase) == "" {
			return NewValidationError(field+".phrase", "must not be empty")
		}
		if strings.TrimSpace(r.TargetStream) == "" {
			return NewValidationError(field+".target_stream", "must not be empty")
		}
	}

	if !validLogLevels[c.Logging.Level] {
		return NewValidationError("logging.level", "unknown level %q", c.Logging.Level)
	}
	return nil
}

// NormalizePhrase trims surrounding whitespace and case-folds s
func NormalizePhrase(s string) string {
	return cases.Fold().String(strings.TrimSpace(s))
}

// SameRule reports whether r and other identify the same watch rule.
// TargetStream is not part of a rule's identity.
func (r Rule) SameRule(other Rule) bool {
	return NormalizePhrase(r.Stream) == NormalizePhrase(other.Stream) &&
		NormalizePhrase(r.Topic) == NormalizePhrase(other.Topic) &&
		NormalizePhrase(r.Phrase) == NormalizePhrase(other.Phrase)
}

// Matches reports whether the event triggers this rule.
// Stream and topic must match exactly; the phrase only after trim and case folding.
func (r Rule) Matches(e *Event) bool {
	if e.IsDirectMessage || e.Stream != r.Stream || e.Topic != r.Topic {
		return false
	}
	return NormalizePhrase(e.Content) == NormalizePhrase(r.Phrase)
}

// MatchingRules returns every watch rule triggered by the event
func (c *PrivateAccessConfig) MatchingRules(e *Event) []Rule {
	var matched []Rule
	for _, r := range c.WatchRules {
		if r.Matches(e) {
			matched = append(matched, r)
		}
	}
	return matched
}
