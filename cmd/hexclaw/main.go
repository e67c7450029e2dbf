// Command hexclaw is the orchestrator's entry point: it wires every
// collaborator package together and runs the daemon loop until an OS
// signal or --once tells it to stop.
//
// Grounded on original_source/daemon.py's module-level main()/argparse
// block (--once, --dry-run, --enqueue SKILL:TARGET) and main.go's
// config → logger → Redis → providers → router → server wiring order,
// adapted from an HTTP server entry point to a daemon one: the gateway
// brings up one chi router and blocks in http.ListenAndServe, HexClaw
// brings up the daemon loop, the admin HTTP surface, and the threat
// monitor as three concurrently running pieces under one signal-driven
// shutdown.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hexclaw/orchestrator/admin"
	"github.com/hexclaw/orchestrator/approval"
	"github.com/hexclaw/orchestrator/artifact"
	"github.com/hexclaw/orchestrator/cache"
	"github.com/hexclaw/orchestrator/config"
	"github.com/hexclaw/orchestrator/daemon"
	"github.com/hexclaw/orchestrator/dispatcher"
	"github.com/hexclaw/orchestrator/inference"
	"github.com/hexclaw/orchestrator/ledger"
	"github.com/hexclaw/orchestrator/logger"
	"github.com/hexclaw/orchestrator/ltstore"
	"github.com/hexclaw/orchestrator/monitor"
	"github.com/hexclaw/orchestrator/operator"
	"github.com/hexclaw/orchestrator/planner"
	"github.com/hexclaw/orchestrator/provider"
	"github.com/hexclaw/orchestrator/queue"
	"github.com/hexclaw/orchestrator/redisclient"
	"github.com/hexclaw/orchestrator/skill"
	"github.com/hexclaw/orchestrator/toolserver"
)

var (
	flagOnce    bool
	flagDryRun  bool
	flagEnqueue string
)

func main() {
	root := &cobra.Command{
		Use:           "hexclaw",
		Short:         "HexClaw autonomous security orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context())
		},
	}
	root.Flags().BoolVar(&flagOnce, "once", false, "drain the queue once and exit instead of running forever")
	root.Flags().BoolVar(&flagDryRun, "dry-run", false, "skip real tool/model calls, synthesize placeholder results")
	root.Flags().StringVar(&flagEnqueue, "enqueue", "", "seed the queue with skill:target before running, e.g. recon_osint:example.com")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDaemon(ctx context.Context) error {
	cfg := config.Load()
	log := logger.New(cfg)

	q, err := queue.Open(cfg.QueueDBPath)
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}
	defer q.Close()

	led, err := ledger.Open(cfg.LedgerDBPath)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer led.Close()

	store := artifact.New(cfg.ArtifactDBRoot)
	loader := skill.NewLoader(cfg.SkillsDir)
	tools := toolserver.New(cfg.ToolServerBaseURL, cfg.ToolServerTimeout)
	gate := approval.New()

	rc := redisclient.Dial(cfg, log)
	cacheEngine := cache.New(cfg, rc, log, nil)

	registry := provider.NewRegistry()
	registerProviders(cfg, registry)

	metrics, promReg := admin.NewMetrics()

	router := inference.New(cfg, log, registry, cacheEngine, led, metrics)
	plan := planner.New(log, router)
	textToSQL := artifact.NewTextToSQL(store, cacheEngine, router)

	var channel operator.Channel
	var bot daemon.Bot
	var telegram *operator.TelegramChannel
	if cfg.TelegramBotToken != "" {
		chatID, err := strconv.ParseInt(cfg.TelegramChatID, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid TELEGRAM_CHAT_ID %q: %w", cfg.TelegramChatID, err)
		}
		telegram = operator.NewTelegramChannel(cfg.TelegramBotToken, chatID, cfg.TelegramAllowedUsers, gate, operator.CommandHandlers{}, log)
		channel = telegram
		bot = telegram
	} else {
		channel = operator.NewNullChannel(log)
	}

	ltSink := ltstore.NewLogSink(log)

	disp := dispatcher.New(log, q, loader, tools, store, gate, channel, plan, metrics, ltSink, flagDryRun)
	dmn := daemon.New(log, q, disp, gate, channel, bot, plan, led, textToSQL, metrics, daemon.Config{
		Heartbeat:         cfg.HeartbeatInterval,
		MaxConcurrentJobs: cfg.MaxConcurrentJobs,
		DryRun:            flagDryRun,
		Once:              flagOnce,
	})
	if telegram != nil {
		telegram.SetHandlers(dmn.Handlers())
	}

	if flagEnqueue != "" {
		skillName, target, err := parseEnqueueFlag(flagEnqueue)
		if err != nil {
			return err
		}
		if _, err := dmn.Enqueue(ctx, skillName, map[string]any{"target": target}); err != nil {
			return fmt.Errorf("seed enqueue: %w", err)
		}
	}

	var dedupeRedis *redis.Client
	if rc != nil {
		dedupeRedis = rc.Exact
	}
	dedupe := monitor.NewDedupeStore(dedupeRedis)
	mon := monitor.New(log, cfg.MonitorFeeds, cfg.MonitorMinSeverity, flagDryRun, dedupe, channel, router, ltSink)

	adminSrv := admin.New(log, cfg.AdminAddr, q, led, mon, metrics, promReg)

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(runCtx)
	gctx, cancelGroup := context.WithCancel(gctx)
	defer cancelGroup()

	g.Go(func() error {
		defer cancelGroup() // --once: daemon drains and returns, so shut the admin surface and monitor down too
		if err := dmn.Run(gctx); err != nil && err != context.Canceled {
			return err
		}
		return nil
	})
	g.Go(func() error { return adminSrv.ListenAndServe(gctx) })
	if len(cfg.MonitorFeeds) > 0 {
		g.Go(func() error { mon.Run(gctx, cfg.MonitorPollEvery); return nil })
	}

	return g.Wait()
}

func parseEnqueueFlag(v string) (skillName, target string, err error) {
	parts := strings.SplitN(v, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("--enqueue must be skill:target, got %q", v)
	}
	return parts[0], parts[1], nil
}

func registerProviders(cfg *config.Config, registry *provider.Registry) {
	if v := os.Getenv("OPENROUTER_API_KEY"); v != "" {
		registry.Register(provider.NewOpenRouterProvider(provider.Config{APIKey: v}))
	}
	if v := os.Getenv("GROQ_API_KEY"); v != "" {
		registry.Register(provider.NewGroqProvider(provider.Config{APIKey: v}))
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		registry.Register(provider.NewGeminiProvider(provider.Config{APIKey: v}))
	}
	if v := os.Getenv("OLLAMA_BASE_URL"); v != "" {
		registry.Register(provider.NewOllamaProvider(provider.Config{BaseURL: v}))
	} else {
		registry.Register(provider.NewOllamaProvider(provider.Config{}))
	}
}
