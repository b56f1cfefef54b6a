package usecase

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/devricklin/feishu-anonbot/internal/biz/domain"
	"github.com/devricklin/feishu-anonbot/internal/biz/repo"
	"github.com/devricklin/feishu-anonbot/internal/logging"
)

// ErrNoChange is returned by a config mutator that has nothing to do
var ErrNoChange = errors.New("no change")

// Anonymous posting fields settable at runtime
const (
	AnonFieldEnabled            = "enabled"
	AnonFieldStream             = "stream"
	AnonFieldTopic              = "topic"
	AnonFieldDeleteAfterMinutes = "delete_after_minutes"
)

var anonFieldAliases = map[string]string{
	"enabled":              AnonFieldEnabled,
	"stream":               AnonFieldStream,
	"target_stream":        AnonFieldStream,
	"topic":                AnonFieldTopic,
	"target_topic":         AnonFieldTopic,
	"delete_after_minutes": AnonFieldDeleteAfterMinutes,
}

// AdminUsecase implements the privileged operations shared by
// the admin DM commands and the admin MCP endpoint
type AdminUsecase struct {
	configUC       *ConfigUsecase
	membershipRepo repo.MembershipRepo
}

// NewAdminUsecase creates a new admin usecase
func NewAdminUsecase(configUC *ConfigUsecase, membershipRepo repo.MembershipRepo) *AdminUsecase {
	return &AdminUsecase{
		configUC:       configUC,
		membershipRepo: membershipRepo,
	}
}

// ConfigYAML renders the current config
func (uc *AdminUsecase) ConfigYAML() (string, error) {
	data, err := uc.configUC.Snapshot().Marshal()
	if err != nil {
		return "", fmt.Errorf("render config: %w", err)
	}
	return string(data), nil
}

// History returns up to limit journal entries, newest first
func (uc *AdminUsecase) History(ctx context.Context, limit int) ([]*domain.ConfigRevision, error) {
	return uc.configUC.History(ctx, limit)
}

// Reload re-reads the config file
func (uc *AdminUsecase) Reload(ctx context.Context, actor string) error {
	_, err := uc.configUC.Reload(ctx, actor)
	return err
}

// ActorRef returns the admin's user id as it may be recorded,
// hashed when logging.anonymize_user_ids is set
func (uc *AdminUsecase) ActorRef(userID string) string {
	return logging.UserRef(userID, uc.configUC.Snapshot().Logging.AnonymizeUserIDs)
}

// Revision returns the current config revision
func (uc *AdminUsecase) Revision() int64 {
	return uc.configUC.Revision()
}

// HasJournal reports whether config history is recorded
func (uc *AdminUsecase) HasJournal() bool {
	return uc.configUC.HasJournal()
}

// AnonymousPosting returns the anonymous posting section
func (uc *AdminUsecase) AnonymousPosting() domain.AnonymousPostingConfig {
	return uc.configUC.Snapshot().AnonymousPosting
}

// SetAnonField sets one anonymous posting field from its textual value
func (uc *AdminUsecase) SetAnonField(ctx context.Context, actor, field, value string) (domain.AnonymousPostingConfig, error) {
	name, ok := anonFieldAliases[strings.ToLower(strings.TrimSpace(field))]
	if !ok {
		return domain.AnonymousPostingConfig{}, domain.NewValidationError(field,
			"unknown field, expected one of: enabled, stream, topic, delete_after_minutes")
	}
	value = strings.TrimSpace(value)

	cfg, err := uc.configUC.Update(ctx, actor, "anon set "+name, func(c *domain.Config) error {
		anon := &c.AnonymousPosting
		switch name {
		case AnonFieldEnabled:
			b, err := strconv.ParseBool(strings.ToLower(value))
			if err != nil {
				return domain.NewValidationError(name, "expected true or false, got %q", value)
			}
			anon.Enabled = b
		case AnonFieldStream:
			if value == "" {
				return domain.NewValidationError(name, "must not be empty")
			}
			anon.TargetStream = value
		case AnonFieldTopic:
			if value == "" {
				return domain.NewValidationError(name, "must not be empty")
			}
			anon.TargetTopic = value
		case AnonFieldDeleteAfterMinutes:
			n, err := strconv.Atoi(value)
			if err != nil || n <= 0 {
				return domain.NewValidationError(name, "expected a positive integer, got %q", value)
			}
			anon.DeleteAfterMinutes = n
		}
		return nil
	})
	if err != nil {
		return domain.AnonymousPostingConfig{}, err
	}
	return cfg.AnonymousPosting, nil
}

// WatchRules returns the configured private access rules
func (uc *AdminUsecase) WatchRules() []domain.Rule {
	return uc.configUC.Snapshot().PrivateAccess.WatchRules
}

// AddRule appends rule. added is false when the same rule already exists.
func (uc *AdminUsecase) AddRule(ctx context.Context, actor string, rule domain.Rule) (bool, error) {
	rule = trimRule(rule)
	if rule.Stream == "" || rule.Phrase == "" || rule.TargetStream == "" {
		return false, domain.NewValidationError("rule", "stream, phrase and target_stream are required")
	}

	_, err := uc.configUC.Update(ctx, actor, "access add", func(c *domain.Config) error {
		for _, existing := range c.PrivateAccess.WatchRules {
			if existing.SameRule(rule) && existing.TargetStream == rule.TargetStream {
				return ErrNoChange
			}
		}
		c.PrivateAccess.WatchRules = append(c.PrivateAccess.WatchRules, rule)
		return nil
	})
	if errors.Is(err, ErrNoChange) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RemoveRule removes every rule with the same stream, topic and phrase,
// whatever its target stream, and returns how many were removed
func (uc *AdminUsecase) RemoveRule(ctx context.Context, actor string, rule domain.Rule) (int, error) {
	rule = trimRule(rule)
	if rule.Stream == "" || rule.Phrase == "" {
		return 0, domain.NewValidationError("rule", "stream and phrase are required")
	}

	removed := 0
	_, err := uc.configUC.Update(ctx, actor, "access remove", func(c *domain.Config) error {
		kept := make([]domain.Rule, 0, len(c.PrivateAccess.WatchRules))
		for _, existing := range c.PrivateAccess.WatchRules {
			if existing.SameRule(rule) {
				removed++
				continue
			}
			kept = append(kept, existing)
		}
		if removed == 0 {
			return ErrNoChange
		}
		c.PrivateAccess.WatchRules = kept
		return nil
	})
	if errors.Is(err, ErrNoChange) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// Subscribe adds the bot to streams
func (uc *AdminUsecase) Subscribe(ctx context.Context, streams []string) (*domain.SubscriptionResult, error) {
	var cleaned []string
	seen := make(map[string]bool)
	for _, s := range streams {
		s = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "#"))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		cleaned = append(cleaned, s)
	}
	if len(cleaned) == 0 {
		return nil, domain.NewValidationError("streams", "at least one stream is required")
	}
	return uc.membershipRepo.SubscribeBot(ctx, cleaned)
}

// ParseRule decodes a rule from a YAML body such as
//
//	stream: access-requests
//	topic: example-topic
//	phrase: let me in
//	target_stream: private-room
func ParseRule(body string) (domain.Rule, error) {
	var rule domain.Rule
	if strings.TrimSpace(body) == "" {
		return rule, domain.NewValidationError("rule", "missing rule body")
	}
	if err := yaml.Unmarshal([]byte(body), &rule); err != nil {
		return domain.Rule{}, domain.NewValidationError("rule", "body is not valid YAML")
	}
	return trimRule(rule), nil
}

func trimRule(r domain.Rule) domain.Rule {
	return domain.Rule{
		Stream:       strings.TrimSpace(r.Stream),
		Topic:        strings.TrimSpace(r.Topic),
		Phrase:       strings.TrimSpace(r.Phrase),
		TargetStream: strings.TrimSpace(r.TargetStream),
	}
}
