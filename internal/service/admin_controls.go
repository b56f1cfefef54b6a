package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/devricklin/feishu-anonbot/internal/biz/domain"
	"github.com/devricklin/feishu-anonbot/internal/biz/repo"
	"github.com/devricklin/feishu-anonbot/internal/biz/usecase"
	"github.com/devricklin/feishu-anonbot/internal/logging"
)

const (
	commandPrefix = "!"

	defaultHistory = 5
	maxHistory     = 20
)

const (
	usageConfig = "Usage:\n" +
		"`!config show` - Show the current config\n" +
		"`!config history [n]` - Show the last n config changes\n" +
		"`!config reload` - Re-read the config file"
	usageAnon = "Usage:\n" +
		"`!anon show` - Show current settings\n" +
		"`!anon set enabled <true|false>` - Turn anonymous posting on or off\n" +
		"`!anon set stream <name>` - Set target stream\n" +
		"`!anon set topic <name>` - Set target topic\n" +
		"`!anon set delete_after_minutes <int>` - Set deletion delay"
	usageAccess = "Usage:\n" +
		"`!access show` - List watch rules\n\n" +
		"!access add\n" +
		"  stream: access-requests\n" +
		"  topic: example-topic\n" +
		"  phrase: \"I want to play a game\"\n" +
		"  target_stream: game-room\n\n" +
		"!access remove\n" +
		"  stream: access-requests\n" +
		"  topic: example-topic\n" +
		"  phrase: \"I want to play a game\""
	usageSubscribe = "Usage: `!subscribe <stream1> [stream2] [stream3] ...`\n" +
		"Example: `!subscribe general announcements anonymous`"

	replyUnknownCommand = "Unknown admin command. Supported: !config, !anon, !access, !subscribe, !help"
	replySaveFailed     = "Could not save the config. Nothing was changed; see the bot logs for details."
	replyInternal       = "The command failed; see the bot logs for details."
)

// AdminControlsHandler runs `!` commands sent by admins in DMs
type AdminControlsHandler struct {
	adminUC     *usecase.AdminUsecase
	messageRepo repo.MessageRepo
	logger      zerolog.Logger
}

// NewAdminControlsHandler creates the admin command feature
func NewAdminControlsHandler(adminUC *usecase.AdminUsecase, messageRepo repo.MessageRepo) *AdminControlsHandler {
	return &AdminControlsHandler{
		adminUC:     adminUC,
		messageRepo: messageRepo,
		logger:      logging.Component(FeatureAdminControls),
	}
}

func (h *AdminControlsHandler) Name() string { return FeatureAdminControls }

// Matches DMs from admins that start with "!"
func (h *AdminControlsHandler) Matches(ctx context.Context, e *domain.Event) bool {
	return e.IsDirectMessage && e.SenderIsAdmin &&
		strings.HasPrefix(strings.TrimSpace(e.Content), commandPrefix)
}

func (h *AdminControlsHandler) Handle(ctx context.Context, e *domain.Event) error {
	line, body := splitCommand(e.Content)
	args := strings.Fields(line)
	command := strings.ToLower(args[0])

	h.logger.Info().Str("admin", h.actor(e)).Str("command", command).Msg("Admin command")

	var reply string
	switch command {
	case "!config":
		reply = h.handleConfig(ctx, e, args[1:])
	case "!anon":
		reply = h.handleAnon(ctx, e, line, args[1:])
	case "!access":
		reply = h.handleAccess(ctx, e, args[1:], body)
	case "!subscribe":
		reply = h.handleSubscribe(ctx, args[1:])
	case "!help":
		reply = helpText()
	default:
		reply = replyUnknownCommand + "\n\n" + helpText()
	}

	if _, err := h.messageRepo.SendDirect(ctx, e.SenderID, reply); err != nil {
		return &domain.TransportError{Op: "reply", Err: err}
	}
	return nil
}

// actor is how the admin appears in logs and the revision journal
func (h *AdminControlsHandler) actor(e *domain.Event) string {
	return h.adminUC.ActorRef(e.SenderID)
}

func (h *AdminControlsHandler) handleConfig(ctx context.Context, e *domain.Event, args []string) string {
	if len(args) == 0 {
		return usageConfig
	}

	switch args[0] {
	case "show":
		text, err := h.adminUC.ConfigYAML()
		if err != nil {
			return h.failure(err)
		}
		return "Current config:\n```yaml\n" + text + "```"

	case "history":
		limit := defaultHistory
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil || n <= 0 {
				return "History length must be a positive integer."
			}
			limit = min(n, maxHistory)
		}
		if !h.adminUC.HasJournal() {
			return "Config history is not recorded (no journal configured)."
		}
		revisions, err := h.adminUC.History(ctx, limit)
		if err != nil {
			return h.failure(err)
		}
		return formatHistory(revisions)

	case "reload":
		if err := h.adminUC.Reload(ctx, h.actor(e)); err != nil {
			return h.failure(err)
		}
		return "Config reloaded from file."
	}
	return usageConfig
}

func (h *AdminControlsHandler) handleAnon(ctx context.Context, e *domain.Event, line string, args []string) string {
	if len(args) == 1 && args[0] == "show" {
		return formatAnon(h.adminUC.AnonymousPosting())
	}
	if len(args) < 3 || args[0] != "set" {
		return usageAnon
	}

	field := args[1]
	value := restAfterFields(line, 3)

	anon, err := h.adminUC.SetAnonField(ctx, h.actor(e), field, value)
	if err != nil {
		return h.failure(err)
	}
	return fmt.Sprintf("Anonymous posting config updated: %s=%s\n\n%s", field, value, formatAnon(anon))
}

func (h *AdminControlsHandler) handleAccess(ctx context.Context, e *domain.Event, args []string, body string) string {
	if len(args) != 1 {
		return usageAccess
	}

	switch args[0] {
	case "show":
		return formatRules(h.adminUC.WatchRules())

	case "add":
		rule, err := usecase.ParseRule(body)
		if err != nil {
			return h.failure(err)
		}
		added, err := h.adminUC.AddRule(ctx, h.actor(e), rule)
		if err != nil {
			return h.failure(err)
		}
		if !added {
			return "An identical access rule already exists, nothing changed."
		}
		return "Access rule added."

	case "remove":
		rule, err := usecase.ParseRule(body)
		if err != nil {
			return h.failure(err)
		}
		removed, err := h.adminUC.RemoveRule(ctx, h.actor(e), rule)
		if err != nil {
			return h.failure(err)
		}
		if removed == 0 {
			return "No matching access rule, nothing changed."
		}
		return fmt.Sprintf("Access rules removed: %d.", removed)
	}
	return usageAccess
}

func (h *AdminControlsHandler) handleSubscribe(ctx context.Context, streams []string) string {
	if len(streams) == 0 {
		return usageSubscribe
	}

	res, err := h.adminUC.Subscribe(ctx, streams)
	if err != nil {
		return h.failure(err)
	}

	var parts []string
	if len(res.Subscribed) > 0 {
		parts = append(parts, "Subscribed to: "+strings.Join(res.Subscribed, ", "))
	}
	if len(res.AlreadySubscribed) > 0 {
		parts = append(parts, "Already subscribed to: "+strings.Join(res.AlreadySubscribed, ", "))
	}
	if len(parts) == 0 {
		return "Subscription request completed."
	}
	return strings.Join(parts, "\n")
}

// failure turns an error into a reply. Only validation errors are shown verbatim.
func (h *AdminControlsHandler) failure(err error) string {
	var vErr *domain.ValidationError
	if errors.As(err, &vErr) {
		return "Error: " + vErr.Error()
	}

	h.logger.Error().Err(err).Msg("Admin command failed")
	if errors.Is(err, usecase.ErrSaveConfig) {
		return replySaveFailed
	}
	return replyInternal
}

// splitCommand splits a message into its first line and the remaining body
func splitCommand(content string) (line, body string) {
	content = strings.TrimSpace(content)
	line, body, _ = strings.Cut(content, "\n")
	return strings.TrimSpace(line), body
}

// restAfterFields returns what follows the first n whitespace-separated fields of line
func restAfterFields(line string, n int) string {
	rest := strings.TrimSpace(line)
	for i := 0; i < n; i++ {
		idx := strings.IndexFunc(rest, isSpace)
		if idx < 0 {
			return ""
		}
		rest = strings.TrimSpace(rest[idx:])
	}
	return rest
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t'
}

func helpText() string {
	return strings.Join([]string{usageConfig, usageAnon, usageAccess, usageSubscribe}, "\n\n")
}

func formatAnon(anon domain.AnonymousPostingConfig) string {
	return fmt.Sprintf("Anonymous Posting Configuration:\n"+
		"• Enabled: %t\n"+
		"• Stream: `%s`\n"+
		"• Topic: `%s`\n"+
		"• Delete after: %d minutes (%d days)",
		anon.Enabled, anon.TargetStream, anon.TargetTopic,
		anon.DeleteAfterMinutes, anon.DeleteAfterMinutes/60/24)
}

func formatRules(rules []domain.Rule) string {
	if len(rules) == 0 {
		return "No access rules configured."
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Access rules (%d):\n", len(rules)))
	for i, r := range rules {
		topic := r.Topic
		if topic == "" {
			topic = "(top level)"
		}
		sb.WriteString(fmt.Sprintf("%d. %s / %s: %q -> %s\n", i+1, r.Stream, topic, r.Phrase, r.TargetStream))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatHistory(revisions []*domain.ConfigRevision) string {
	if len(revisions) == 0 {
		return "No config changes recorded yet."
	}
	var sb strings.Builder
	sb.WriteString("Recent config changes:\n")
	for _, rev := range revisions {
		sb.WriteString(fmt.Sprintf("#%d %s by %s: %s\n",
			rev.Revision, rev.CreatedAt.Format("2006-01-02 15:04:05"), rev.Actor, rev.Summary))
	}
	return strings.TrimRight(sb.String(), "\n")
}
