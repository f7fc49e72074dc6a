// wallwatch watches exchange order books for liquidity walls and
// reports their lifecycle to the log and to Telegram.
//
// Subcommands:
//
//	run      stream market data and detect walls (default)
//	doctor   preflight checks: env, CA bundle, instrument resolution
//	telegram one-shot message to the configured chats
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"wallwatch/internal/bot"
	"wallwatch/internal/config"
	"wallwatch/internal/invest"
	"wallwatch/internal/notify"
	"wallwatch/internal/runtime"
	"wallwatch/internal/stream"
)

const (
	defaultSymbols    = "SBER"
	heartbeatInterval = 60 * time.Second
)

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Fprintln(os.Stderr, "no .env file found")
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	args := os.Args[1:]
	cmd := "run"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd = args[0]
		args = args[1:]
	}

	switch cmd {
	case "run":
		os.Exit(runMain(args))
	case "doctor":
		os.Exit(doctorMain(args))
	case "telegram":
		os.Exit(telegramMain(args))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (want run, doctor or telegram)\n", cmd)
		os.Exit(2)
	}
}

func runMain(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	symbolsFlag := fs.String("symbols", defaultSymbols, "comma-separated tickers, FIGIs, ISINs or UIDs")
	depthFlag := fs.Int("depth", 0, "order book depth (overrides config)")
	configFlag := fs.String("config", "", "path to YAML config")
	logLevelFlag := fs.String("log-level", "", "log level (overrides config and env)")
	bookDumpFlag := fs.Float64("book-dump-interval", 0, "seconds between order book dumps, 0 disables")
	debugWallsFlag := fs.Bool("debug-walls", false, "log per-book detector internals")
	fs.Parse(args)

	settings, cfg, ok := loadSettings(*configFlag, *logLevelFlag)
	if !ok {
		return 1
	}
	if err := config.EnsureRequiredEnv(settings); err != nil {
		log.Error().Err(err).Msg("config_error")
		return 1
	}
	if err := config.ConfigureGRPCRootCertificates(settings); err != nil {
		log.Error().Err(err).Msg("config_error")
		return 1
	}

	depth := cfg.MarketData.Depth
	if *depthFlag > 0 {
		depth = *depthFlag
	}
	symbols := stream.NormalizeSymbols(strings.Split(*symbolsFlag, ","))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := invest.NewClient(ctx, settings.Token, settings.InstrumentStatus)
	if err != nil {
		log.Error().Err(err).Msg("invest_client_failed")
		return 1
	}
	defer client.Close()

	rt := runtime.New(time.Now().UTC(), os.Getpid(), depth)
	log.Info().Int("pid", os.Getpid()).Msg("startup")

	telegramOn := cfg.Telegram.Enabled
	if telegramOn {
		if err := config.EnsureTelegramEnv(settings); err != nil {
			log.Warn().Err(err).Msg("telegram_disabled")
			telegramOn = false
		}
	}
	var api *tgbotapi.BotAPI
	var notifier *notify.TelegramNotifier
	if telegramOn {
		api, err = tgbotapi.NewBotAPI(settings.TGBotToken)
		if err != nil {
			log.Warn().Str("error", redact(err.Error(), settings.TGBotToken)).Msg("telegram_disabled")
			telegramOn = false
		} else {
			notifier = notify.NewTelegramNotifier(api, settings.TGBotToken, telegramOptions(cfg, settings))
		}
	}

	detectorConfig := cfg.DetectorConfig()
	detectorConfig.Depth = depth
	manager := stream.NewManager(stream.Options{
		DetectorConfig: detectorConfig,
		Client:         client,
		AlertNotifier:  notify.ConsoleNotifier{},
		EventSink:      eventSink(notifier),
		Runtime:        rt,
		DebugEnabled:   *debugWallsFlag || cfg.Debug.WallsEnabled,
		DebugInterval:  cfg.Debug.WallsIntervalSeconds,
		BackoffInitial: settings.RetryBackoffInitialSeconds,
		BackoffMax:     settings.RetryBackoffMaxSeconds,
	})

	log.Info().
		Strs("symbols", symbols).
		Int("depth", depth).
		Str("instrument_status", settings.InstrumentStatus.String()).
		Float64("retry_backoff_initial_seconds", settings.RetryBackoffInitialSeconds).
		Float64("retry_backoff_max_seconds", settings.RetryBackoffMaxSeconds).
		Float64("stream_idle_sleep_seconds", settings.StreamIdleSleepSeconds).
		Bool("telegram_enabled", telegramOn).
		Bool("telegram_polling", telegramOn && settings.TGPolling && cfg.Telegram.Polling).
		Bool("debug_walls", *debugWallsFlag || cfg.Debug.WallsEnabled).
		Msg("effective_config")

	manager.Start(ctx, symbols)

	if notifier != nil && settings.TGPolling && cfg.Telegram.Polling && cfg.Telegram.CommandsEnabled {
		handler := &bot.Handler{
			Runtime:    rt,
			Manager:    manager,
			EventSink:  notifier,
			MaxSymbols: detectorConfig.MaxSymbols,
			AllowedIDs: bot.AllowedSet(settings.TGAllowedUserIDs),
		}
		poller := &bot.Poller{
			API:                 api,
			Handler:             handler,
			ParseMode:           settings.TGParseMode,
			DisableWebPreview:   cfg.Telegram.DisableWebPreview,
			PollIntervalSeconds: cfg.Telegram.PollIntervalSeconds,
		}
		go poller.Run(ctx)
	}
	if notifier != nil && cfg.Telegram.StartupMessage {
		notifier.SendText(fmt.Sprintf(
			"🚀 WallWatch запущен\nsymbols: %s\ndepth: %d",
			strings.Join(symbols, ", "), depth,
		))
	}

	go heartbeatLoop(ctx, manager, rt)
	if *bookDumpFlag > 0 {
		go bookDumpLoop(ctx, client, manager, depth, time.Duration(*bookDumpFlag*float64(time.Second)))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("shutdown_requested")

	cancel()
	manager.Stop()
	if notifier != nil {
		notifier.Flush()
		notifier.Close()
	}
	return 0
}

func doctorMain(args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ExitOnError)
	symbolsFlag := fs.String("symbols", defaultSymbols, "symbols to resolve")
	configFlag := fs.String("config", "", "path to YAML config")
	fs.Parse(args)

	settings, _, ok := loadSettings(*configFlag, "")
	if !ok {
		return 1
	}

	fatal := false
	report := log.Info()

	missing := config.MissingRequiredEnv(settings)
	report = report.Strs("missing_env", missing)
	if len(missing) > 0 {
		fatal = true
	}
	report = report.Bool("telegram_env_ok", config.EnsureTelegramEnv(settings) == nil)

	bundle, err := config.LoadCABundle(settings)
	switch {
	case err != nil:
		report = report.Str("ca_bundle", "invalid: "+err.Error())
		fatal = true
	case bundle == nil:
		report = report.Str("ca_bundle", "not configured")
	default:
		report = report.Str("ca_bundle", "ok")
	}

	symbols := stream.NormalizeSymbols(strings.Split(*symbolsFlag, ","))
	if settings.Token != "" {
		resolved, failed, resolveErr := resolveForDoctor(settings, symbols)
		report = report.Strs("resolved", resolved).Strs("unresolved", failed)
		if resolveErr != nil {
			report = report.Str("resolve_error", resolveErr.Error())
			fatal = true
		}
	}

	report.Bool("fatal", fatal).Msg("doctor_report")
	if fatal {
		return 1
	}
	return 0
}

func resolveForDoctor(settings config.EnvSettings, symbols []string) ([]string, []string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := invest.NewClient(ctx, settings.Token, settings.InstrumentStatus)
	if err != nil {
		return nil, nil, err
	}
	defer client.Close()

	instruments, failed, err := client.ResolveInstruments(ctx, symbols)
	if err != nil {
		return nil, failed, err
	}
	resolved := make([]string, 0, len(instruments))
	for _, info := range instruments {
		resolved = append(resolved, fmt.Sprintf("%s=%s", info.Symbol, info.InstrumentID))
	}
	return resolved, failed, nil
}

func telegramMain(args []string) int {
	fs := flag.NewFlagSet("telegram", flag.ExitOnError)
	messageFlag := fs.String("message", "WallWatch test message", "text to send")
	configFlag := fs.String("config", "", "path to YAML config")
	fs.Parse(args)

	settings, cfg, ok := loadSettings(*configFlag, "")
	if !ok {
		return 1
	}
	if err := config.EnsureTelegramEnv(settings); err != nil {
		log.Error().Err(err).Msg("config_error")
		return 1
	}
	api, err := tgbotapi.NewBotAPI(settings.TGBotToken)
	if err != nil {
		log.Error().Str("error", redact(err.Error(), settings.TGBotToken)).Msg("telegram_send_failed")
		return 1
	}
	notifier := notify.NewTelegramNotifier(api, settings.TGBotToken, telegramOptions(cfg, settings))
	notifier.SendText(*messageFlag)
	notifier.Flush()
	notifier.Close()
	log.Info().Ints64("chat_ids", settings.TGChatIDs).Msg("telegram_message_sent")
	return 0
}

// loadSettings reads env and YAML config and applies the log level.
// Returns ok=false after logging a config_error.
func loadSettings(configPath, logLevelFlag string) (config.EnvSettings, config.AppConfig, bool) {
	settings, err := config.LoadEnvSettings()
	if err != nil {
		log.Error().Err(err).Msg("config_error")
		return settings, config.AppConfig{}, false
	}
	cfg, err := config.LoadAppConfig(configPath)
	if err != nil {
		log.Error().Err(err).Msg("config_error")
		return settings, cfg, false
	}
	applyLogLevel(logLevelFlag, cfg.Logging.Level, settings.LogLevel)
	return settings, cfg, true
}

// applyLogLevel resolves flag > config file > env, defaulting to info.
func applyLogLevel(flagLevel, configLevel, envLevel string) {
	chosen := "info"
	for _, candidate := range []string{flagLevel, configLevel, envLevel} {
		if candidate != "" {
			chosen = candidate
			break
		}
	}
	level, err := zerolog.ParseLevel(strings.ToLower(chosen))
	if err != nil {
		log.Warn().Str("log_level", chosen).Msg("unknown log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func telegramOptions(cfg config.AppConfig, settings config.EnvSettings) notify.TelegramOptions {
	return notify.TelegramOptions{
		ChatIDs:                 settings.TGChatIDs,
		ParseMode:               settings.TGParseMode,
		DisableWebPreview:       cfg.Telegram.DisableWebPreview,
		SendEvents:              cfg.Telegram.SendEvents,
		CooldownSeconds:         cfg.Telegram.CooldownSeconds,
		IncludeInstrumentButton: cfg.Telegram.IncludeInstrumentButton,
		ButtonText:              cfg.Telegram.ButtonText,
		AppendSecurityShareUTM:  cfg.Telegram.AppendSecurityShareUTM,
	}
}

// eventSink keeps the manager's sink a typed nil-free interface.
func eventSink(notifier *notify.TelegramNotifier) stream.EventSink {
	if notifier == nil {
		return nil
	}
	return notifier
}

// heartbeatLoop logs a liveness line once a minute and refreshes the
// since-last-message gauge used by /status.
func heartbeatLoop(ctx context.Context, manager *stream.Manager, rt *runtime.State) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		orderbooks, trades := manager.ConsumeIntervalCounts()
		entry := log.Info().
			Str("stream_state", rt.Snapshot().StreamState).
			Int64("rx_orderbooks_interval", orderbooks).
			Int64("rx_trades_interval", trades)
		if last, ok := manager.LastMessageAt(); ok {
			since := time.Since(last).Seconds()
			rt.SetSinceLastMessage(since)
			entry = entry.Float64("since_last_message_seconds", since)
		}
		entry.Msg("heartbeat")
	}
}

// bookDumpLoop periodically fetches and logs a full order book per
// watched symbol. Resolution runs each tick so /watch changes are
// picked up.
func bookDumpLoop(ctx context.Context, client *invest.Client, manager *stream.Manager, depth int, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		symbols := manager.GetSymbols()
		if len(symbols) == 0 {
			continue
		}
		instruments, _, err := client.ResolveInstruments(ctx, symbols)
		if err != nil {
			log.Warn().Err(err).Msg("book_dump_failed")
			continue
		}
		for _, info := range instruments {
			book, err := client.GetOrderBook(ctx, info.InstrumentID, depth)
			if err != nil {
				log.Warn().Err(err).Str("symbol", info.Symbol).Msg("book_dump_failed")
				continue
			}
			entry := log.Info().
				Str("symbol", info.Symbol).
				Int("bids", len(book.Bids)).
				Int("asks", len(book.Asks))
			if book.HasBestBid {
				entry = entry.Float64("best_bid", book.BestBid)
			}
			if book.HasBestAsk {
				entry = entry.Float64("best_ask", book.BestAsk)
			}
			entry.Msg("book_dump")
		}
	}
}

func redact(message, token string) string {
	if token == "" {
		return message
	}
	return strings.ReplaceAll(message, token, "***")
}
