package mcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"

	"github.com/devricklin/feishu-anonbot/internal/biz/domain"
	"github.com/devricklin/feishu-anonbot/internal/biz/usecase"
	"github.com/devricklin/feishu-anonbot/internal/logging"
)

// actor is recorded in the revision journal for changes made through MCP
const actor = "mcp"

const (
	defaultHistoryLimit = 5
	maxHistoryLimit     = 50
)

// PendingCounter reports how many deferred actions are queued
type PendingCounter interface {
	Pending() int
}

// AdminServer exposes the admin operations as MCP tools over streamable HTTP
type AdminServer struct {
	server    *sdkmcp.Server
	admin     *usecase.AdminUsecase
	scheduler PendingCounter
	logger    zerolog.Logger
}

// NewAdminServer creates the admin MCP server and registers its tools
func NewAdminServer(admin *usecase.AdminUsecase, scheduler PendingCounter, version string) *AdminServer {
	s := &AdminServer{
		server: sdkmcp.NewServer(&sdkmcp.Implementation{
			Name:    "feishu-anonbot-admin",
			Version: version,
		}, nil),
		admin:     admin,
		scheduler: scheduler,
		logger:    logging.Component("mcp"),
	}
	s.registerTools()
	return s
}

// Handler returns the streamable HTTP handler
func (s *AdminServer) Handler() http.Handler {
	return sdkmcp.NewStreamableHTTPHandler(func(*http.Request) *sdkmcp.Server {
		return s.server
	}, nil)
}

// Serve listens on addr until ctx is done
func (s *AdminServer) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Admin MCP endpoint listening")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *AdminServer) registerTools() {
	sdkmcp.AddTool(s.server, &sdkmcp.Tool{
		Name:        "config_show",
		Description: "Show the current bot configuration as YAML.",
	}, s.handleConfigShow)

	sdkmcp.AddTool(s.server, &sdkmcp.Tool{
		Name:        "config_history",
		Description: "List recent configuration revisions, newest first.",
	}, s.handleConfigHistory)

	sdkmcp.AddTool(s.server, &sdkmcp.Tool{
		Name:        "anon_show",
		Description: "Show the anonymous posting settings.",
	}, s.handleAnonShow)

	sdkmcp.AddTool(s.server, &sdkmcp.Tool{
		Name:        "anon_set",
		Description: "Set one anonymous posting field: enabled, stream, topic or delete_after_minutes.",
	}, s.handleAnonSet)

	sdkmcp.AddTool(s.server, &sdkmcp.Tool{
		Name:        "access_list",
		Description: "List the private access watch rules.",
	}, s.handleAccessList)

	sdkmcp.AddTool(s.server, &sdkmcp.Tool{
		Name:        "access_add",
		Description: "Add a private access watch rule.",
	}, s.handleAccessAdd)

	sdkmcp.AddTool(s.server, &sdkmcp.Tool{
		Name:        "access_remove",
		Description: "Remove every watch rule with the given stream, topic and phrase.",
	}, s.handleAccessRemove)

	sdkmcp.AddTool(s.server, &sdkmcp.Tool{
		Name:        "scheduler_status",
		Description: "Report how many message deletions are scheduled.",
	}, s.handleSchedulerStatus)
}

// EmptyInput is the input of tools that take no arguments
type EmptyInput struct{}

// ConfigShowOutput is the output for config_show
type ConfigShowOutput struct {
	YAML     string `json:"yaml"`
	Revision int64  `json:"revision"`
}

func (s *AdminServer) handleConfigShow(ctx context.Context, req *sdkmcp.CallToolRequest, input EmptyInput) (*sdkmcp.CallToolResult, ConfigShowOutput, error) {
	doc, err := s.admin.ConfigYAML()
	if err != nil {
		return nil, ConfigShowOutput{}, err
	}
	return nil, ConfigShowOutput{YAML: doc, Revision: s.admin.Revision()}, nil
}

// ConfigHistoryInput is the input for config_history
type ConfigHistoryInput struct {
	Limit int `json:"limit,omitempty" jsonschema:"Maximum number of revisions to return (default 5)"`
}

// Revision is one journal entry
type Revision struct {
	Revision  int64  `json:"revision"`
	CreatedAt string `json:"created_at"`
	Actor     string `json:"actor"`
	Summary   string `json:"summary"`
}

// ConfigHistoryOutput is the output for config_history
type ConfigHistoryOutput struct {
	Recorded  bool       `json:"recorded"`
	Revisions []Revision `json:"revisions"`
}

func (s *AdminServer) handleConfigHistory(ctx context.Context, req *sdkmcp.CallToolRequest, input ConfigHistoryInput) (*sdkmcp.CallToolResult, ConfigHistoryOutput, error) {
	limit := input.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	out := ConfigHistoryOutput{Recorded: s.admin.HasJournal(), Revisions: []Revision{}}
	if !out.Recorded {
		return nil, out, nil
	}

	revisions, err := s.admin.History(ctx, limit)
	if err != nil {
		return nil, ConfigHistoryOutput{}, err
	}
	for _, rev := range revisions {
		out.Revisions = append(out.Revisions, Revision{
			Revision:  rev.Revision,
			CreatedAt: rev.CreatedAt.UTC().Format(time.RFC3339),
			Actor:     rev.Actor,
			Summary:   rev.Summary,
		})
	}
	return nil, out, nil
}

// AnonSettings mirrors the anonymous posting section
type AnonSettings struct {
	Enabled            bool   `json:"enabled"`
	TargetStream       string `json:"target_stream"`
	TargetTopic        string `json:"target_topic"`
	DeleteAfterMinutes int    `json:"delete_after_minutes"`
}

func toAnonSettings(c domain.AnonymousPostingConfig) AnonSettings {
	return AnonSettings{
		Enabled:            c.Enabled,
		TargetStream:       c.TargetStream,
		TargetTopic:        c.TargetTopic,
		DeleteAfterMinutes: c.DeleteAfterMinutes,
	}
}

func (s *AdminServer) handleAnonShow(ctx context.Context, req *sdkmcp.CallToolRequest, input EmptyInput) (*sdkmcp.CallToolResult, AnonSettings, error) {
	return nil, toAnonSettings(s.admin.AnonymousPosting()), nil
}

// AnonSetInput is the input for anon_set
type AnonSetInput struct {
	Field string `json:"field" jsonschema:"One of enabled, stream, topic, delete_after_minutes"`
	Value string `json:"value" jsonschema:"The new value"`
}

func (s *AdminServer) handleAnonSet(ctx context.Context, req *sdkmcp.CallToolRequest, input AnonSetInput) (*sdkmcp.CallToolResult, AnonSettings, error) {
	anon, err := s.admin.SetAnonField(ctx, actor, input.Field, input.Value)
	if err != nil {
		return nil, AnonSettings{}, err
	}
	s.logger.Info().Str("field", input.Field).Msg("Anonymous posting updated via MCP")
	return nil, toAnonSettings(anon), nil
}

// RuleInput describes a watch rule
type RuleInput struct {
	Stream       string `json:"stream" jsonschema:"Stream (chat id) to watch"`
	Topic        string `json:"topic,omitempty" jsonschema:"Topic within the stream, empty for top-level messages"`
	Phrase       string `json:"phrase" jsonschema:"Phrase to match, compared after trimming and case folding"`
	TargetStream string `json:"target_stream,omitempty" jsonschema:"Stream to subscribe the sender to"`
}

func (r RuleInput) toRule() domain.Rule {
	return domain.Rule{Stream: r.Stream, Topic: r.Topic, Phrase: r.Phrase, TargetStream: r.TargetStream}
}

// AccessListOutput is the output for access_list
type AccessListOutput struct {
	Rules []RuleInput `json:"rules"`
}

func (s *AdminServer) handleAccessList(ctx context.Context, req *sdkmcp.CallToolRequest, input EmptyInput) (*sdkmcp.CallToolResult, AccessListOutput, error) {
	out := AccessListOutput{Rules: []RuleInput{}}
	for _, r := range s.admin.WatchRules() {
		out.Rules = append(out.Rules, RuleInput{Stream: r.Stream, Topic: r.Topic, Phrase: r.Phrase, TargetStream: r.TargetStream})
	}
	return nil, out, nil
}

// AccessChangeOutput reports the effect of access_add or access_remove
type AccessChangeOutput struct {
	Changed bool `json:"changed"`
	Count   int  `json:"count"`
}

func (s *AdminServer) handleAccessAdd(ctx context.Context, req *sdkmcp.CallToolRequest, input RuleInput) (*sdkmcp.CallToolResult, AccessChangeOutput, error) {
	added, err := s.admin.AddRule(ctx, actor, input.toRule())
	if err != nil {
		return nil, AccessChangeOutput{}, err
	}
	out := AccessChangeOutput{Changed: added}
	if added {
		out.Count = 1
	}
	return nil, out, nil
}

func (s *AdminServer) handleAccessRemove(ctx context.Context, req *sdkmcp.CallToolRequest, input RuleInput) (*sdkmcp.CallToolResult, AccessChangeOutput, error) {
	removed, err := s.admin.RemoveRule(ctx, actor, input.toRule())
	if err != nil {
		return nil, AccessChangeOutput{}, err
	}
	return nil, AccessChangeOutput{Changed: removed > 0, Count: removed}, nil
}

// SchedulerStatusOutput is the output for scheduler_status
type SchedulerStatusOutput struct {
	Pending int `json:"pending"`
}

func (s *AdminServer) handleSchedulerStatus(ctx context.Context, req *sdkmcp.CallToolRequest, input EmptyInput) (*sdkmcp.CallToolResult, SchedulerStatusOutput, error) {
	return nil, SchedulerStatusOutput{Pending: s.scheduler.Pending()}, nil
}
