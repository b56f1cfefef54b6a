package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/devricklin/feishu-anonbot/internal/biz"
	"github.com/devricklin/feishu-anonbot/internal/biz/domain"
	"github.com/devricklin/feishu-anonbot/internal/biz/usecase"
	"github.com/devricklin/feishu-anonbot/internal/conf"
	"github.com/devricklin/feishu-anonbot/internal/data"
	"github.com/devricklin/feishu-anonbot/internal/infra/clock"
	"github.com/devricklin/feishu-anonbot/internal/infra/feishu"
	"github.com/devricklin/feishu-anonbot/internal/logging"
	"github.com/devricklin/feishu-anonbot/internal/mcp"
	"github.com/devricklin/feishu-anonbot/internal/server"
	"github.com/devricklin/feishu-anonbot/internal/service"
)

var version = "dev"

func main() {
	app := &cli.App{
		Name:    "anonbot",
		Usage:   "Feishu bot for anonymous posting and phrase-based private access",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "load environment variables from `FILE` if it exists",
				Value: ".env",
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "dynamic config `FILE` (overrides BOT_CONFIG_PATH)",
			},
		},
		Before: func(c *cli.Context) error {
			return conf.LoadDotEnv(c.String("env-file"))
		},
		Action: runBot,
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "connect to Feishu and serve events (default)",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "journal",
						Usage: "revision journal database `PATH` (overrides BOT_JOURNAL_PATH)",
					},
					&cli.StringFlag{
						Name:  "mcp-addr",
						Usage: "serve the admin MCP endpoint on `ADDR` (overrides BOT_MCP_ADDR)",
					},
				},
				Action: runBot,
			},
			{
				Name:   "check-config",
				Usage:  "validate the dynamic config file and exit",
				Action: checkConfig,
			},
			{
				Name:      "send-message",
				Usage:     "send a text message as the bot",
				ArgsUsage: "<text>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "user", Usage: "recipient open_id"},
					&cli.StringFlag{Name: "stream", Usage: "target chat id"},
					&cli.StringFlag{Name: "topic", Usage: "root message id to reply under"},
				},
				Action: sendMessage,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// loadSettings merges CLI flags over environment settings
func loadSettings(c *cli.Context) (*conf.Settings, error) {
	overrides := map[string]interface{}{}
	for flag, key := range map[string]string{
		"config":   "bot.config_path",
		"journal":  "bot.journal_path",
		"mcp-addr": "bot.mcp_addr",
	} {
		for _, ctx := range c.Lineage() {
			if ctx.IsSet(flag) {
				overrides[key] = ctx.String(flag)
				break
			}
		}
	}

	settings, err := conf.Load(overrides)
	if err != nil {
		return nil, err
	}
	logging.Setup(settings.Bot.LogFormat, settings.Bot.Debug)
	return settings, nil
}

func runBot(c *cli.Context) error {
	settings, err := loadSettings(c)
	if err != nil {
		return err
	}
	if err := settings.Validate(); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	logger := logging.Component("main")

	feishuClient := feishu.NewClient(feishu.Options{
		AppID:         settings.Feishu.AppID,
		AppSecret:     settings.Feishu.AppSecret,
		RatePerMinute: settings.Bot.RatePerMinute,
	})

	repos, err := data.NewRepositories(feishuClient, settings.AdminIDList(), settings.Bot.ConfigPath, settings.Bot.JournalPath)
	if err != nil {
		return fmt.Errorf("failed to create repositories: %w", err)
	}
	defer repos.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Usecase layer
	ucs := biz.NewUsecases(repos.Config, repos.Revisions, repos.Transport)
	configUC, convUC, adminUC := ucs.Config, ucs.Conversation, ucs.Admin
	configUC.OnChange(func(cfg domain.Config) {
		logging.ApplyLevel(cfg.Logging.Level)
	})
	if err := configUC.Load(ctx); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Service layer; registration order is precedence order
	clk := clock.Real()
	scheduler := service.NewScheduler(clk, service.DeleteMessageAction(repos.Transport))
	dispatcher := service.NewDispatcher()
	dispatcher.Register(service.NewAdminControlsHandler(adminUC, repos.Transport))
	dispatcher.Register(service.NewAnonPostingHandler(configUC, convUC, scheduler, repos.Transport, clk))
	dispatcher.Register(service.NewPrivateAccessHandler(configUC, repos.Transport, repos.Transport))

	botServer := server.NewBotServer(repos.Transport, dispatcher)

	go reloadOnHangup(ctx, configUC)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return scheduler.Run(gctx) })
	g.Go(func() error { return botServer.Run(gctx) })
	if settings.Bot.MCPAddr != "" {
		adminServer := mcp.NewAdminServer(adminUC, scheduler, version)
		g.Go(func() error { return adminServer.Serve(gctx, settings.Bot.MCPAddr) })
	}

	logger.Info().
		Str("version", version).
		Strs("handlers", dispatcher.Handlers()).
		Int("admins", len(settings.AdminIDList())).
		Bool("journal", repos.Revisions != nil).
		Msg("Bot started")

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info().Int("pending_deletions", scheduler.Pending()).Msg("Bot stopped")
	return nil
}

// reloadOnHangup re-reads the config file on SIGHUP
func reloadOnHangup(ctx context.Context, configUC *usecase.ConfigUsecase) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if _, err := configUC.Reload(ctx, "signal"); err != nil {
				log.Error().Err(err).Msg("Config reload failed, keeping current config")
				continue
			}
			log.Info().Int64("revision", configUC.Revision()).Msg("Config reloaded")
		}
	}
}

func checkConfig(c *cli.Context) error {
	settings, err := loadSettings(c)
	if err != nil {
		return err
	}
	if err := settings.ValidateLocal(); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}

	raw, err := os.ReadFile(settings.Bot.ConfigPath)
	if errors.Is(err, fs.ErrNotExist) {
		fmt.Printf("%s does not exist; defaults will be written on first run\n", settings.Bot.ConfigPath)
		return nil
	}
	if err != nil {
		return err
	}

	cfg, err := domain.ParseConfig(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", settings.Bot.ConfigPath, err)
	}
	fmt.Printf("%s is valid: %d access rules, anonymous posting to %s/%s\n",
		settings.Bot.ConfigPath,
		len(cfg.PrivateAccess.WatchRules),
		cfg.AnonymousPosting.TargetStream,
		cfg.AnonymousPosting.TargetTopic)
	return nil
}

func sendMessage(c *cli.Context) error {
	settings, err := loadSettings(c)
	if err != nil {
		return err
	}
	if err := settings.Validate(); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}

	text := strings.Join(c.Args().Slice(), " ")
	user, stream := c.String("user"), c.String("stream")
	if text == "" || (user == "") == (stream == "") {
		return cli.Exit("Usage: anonbot send-message (--user <open_id> | --stream <chat_id> [--topic <msg_id>]) <text>", 1)
	}

	client := feishu.NewClient(feishu.Options{
		AppID:         settings.Feishu.AppID,
		AppSecret:     settings.Feishu.AppSecret,
		RatePerMinute: settings.Bot.RatePerMinute,
	})
	transport := data.NewFeishuRepo(client, nil)

	var msgID string
	if user != "" {
		msgID, err = transport.SendDirect(c.Context, user, text)
	} else {
		msgID, err = transport.SendStream(c.Context, stream, c.String("topic"), text)
	}
	if err != nil {
		return err
	}

	fmt.Printf("Message sent: %s\n", msgID)
	return nil
}
