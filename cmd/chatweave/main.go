package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/chatweave/chatweave/internal/campaign"
	"github.com/chatweave/chatweave/internal/deadletter"
	"github.com/chatweave/chatweave/internal/flow"
	"github.com/chatweave/chatweave/internal/genai"
	"github.com/chatweave/chatweave/internal/messaging"
	"github.com/chatweave/chatweave/internal/scheduler"
	"github.com/chatweave/chatweave/internal/store"
	"github.com/chatweave/chatweave/internal/twiliowhatsapp"
	"github.com/chatweave/chatweave/internal/util"
	"github.com/chatweave/chatweave/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for ChatWeave state data
	DefaultStateDir = "/var/lib/chatweave"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "chatweave.db"
	// DefaultWebhookAddr is the default listen address for the Twilio webhook
	DefaultWebhookAddr = ":8080"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	if err := run(flags); err != nil {
		slog.Error("ChatWeave failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("ChatWeave exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL   string
	WhatsAppDSN   string
	StateDir      string
	OpenAIKey     string
	Channel       string
	DefaultFlowID string
	WebhookAddr   string
}

// Flags holds command line flag values
type Flags struct {
	qrOutput      *string
	numeric       *bool
	stateDir      *string
	dbDSN         *string
	whatsappDSN   *string
	openaiKey     *string
	channel       *string
	defaultFlowID *string
	webhookAddr   *string
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		WhatsAppDSN:   os.Getenv("WHATSAPP_DB_DSN"),
		StateDir:      os.Getenv("CHATWEAVE_STATE_DIR"),
		OpenAIKey:     os.Getenv("OPENAI_API_KEY"),
		Channel:       os.Getenv("MESSAGING_CHANNEL"),
		DefaultFlowID: os.Getenv("DEFAULT_FLOW_ID"),
		WebhookAddr:   os.Getenv("WEBHOOK_ADDR"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No CHATWEAVE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = filepath.Join(config.StateDir, "whatsmeow.db")
	}
	if config.Channel == "" {
		config.Channel = "whatsapp"
	}
	if config.WebhookAddr == "" {
		config.WebhookAddr = DefaultWebhookAddr
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDSN != "",
		"CHATWEAVE_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"MESSAGING_CHANNEL", config.Channel,
		"DEFAULT_FLOW_ID", config.DefaultFlowID)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput:      flag.String("qr-output", "", "path to write login QR code"),
		numeric:       flag.Bool("numeric-code", util.ParseBoolEnv("WHATSAPP_NUMERIC_CODE", false), "use numeric login code instead of QR code"),
		stateDir:      flag.String("state-dir", config.StateDir, "state directory for ChatWeave data (overrides $CHATWEAVE_STATE_DIR)"),
		dbDSN:         flag.String("db-dsn", config.DatabaseURL, "database DSN for the application store (overrides $DATABASE_URL)"),
		whatsappDSN:   flag.String("whatsapp-db-dsn", config.WhatsAppDSN, "database DSN for the whatsmeow session store (overrides $WHATSAPP_DB_DSN)"),
		openaiKey:     flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		channel:       flag.String("channel", config.Channel, "messaging channel: whatsapp or twilio (overrides $MESSAGING_CHANNEL)"),
		defaultFlowID: flag.String("default-flow", config.DefaultFlowID, "flow id new conversations run (overrides $DEFAULT_FLOW_ID)"),
		webhookAddr:   flag.String("webhook-addr", config.WebhookAddr, "listen address for the Twilio inbound webhook (overrides $WEBHOOK_ADDR)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric,
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"channel", *flags.channel,
		"defaultFlowID", *flags.defaultFlowID)

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if !strings.Contains(*flags.dbDSN, "postgres://") && !strings.Contains(*flags.dbDSN, "host=") {
		stateDir := filepath.Dir(*flags.dbDSN)
		if err := os.MkdirAll(stateDir, 0755); err != nil {
			slog.Error("Failed to create state directory", "error", err, "state_dir", stateDir)
			return err
		}
	}
	return nil
}

// buildStore opens the application store backend matching the DSN shape.
func buildStore(flags Flags) (store.Store, error) {
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql")
		return store.NewPostgresStore(store.WithDSN(*flags.dbDSN))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", *flags.dbDSN)
	return store.NewSQLiteStore(store.WithDSN(*flags.dbDSN))
}

// buildMessagingService constructs the configured channel transport.
func buildMessagingService(flags Flags) (messaging.Service, error) {
	switch *flags.channel {
	case "twilio":
		client, err := twiliowhatsapp.NewClient()
		if err != nil {
			return nil, err
		}
		return messaging.NewTwilioService(client), nil
	default:
		var waOpts []whatsapp.Option
		if *flags.whatsappDSN != "" {
			waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.whatsappDSN))
		}
		if *flags.qrOutput != "" {
			waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
		}
		if *flags.numeric {
			waOpts = append(waOpts, whatsapp.WithNumericCode())
		}
		client, err := whatsapp.NewClient(waOpts...)
		if err != nil {
			return nil, err
		}
		return messaging.NewWhatsAppService(client), nil
	}
}

// run wires the modules together and blocks until shutdown.
func run(flags Flags) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := buildStore(flags)
	if err != nil {
		return err
	}
	defer st.Close()

	service, err := buildMessagingService(flags)
	if err != nil {
		return err
	}
	if err := service.Start(ctx); err != nil {
		return err
	}
	defer service.Stop()

	var engineOpts []flow.Option
	if *flags.openaiKey != "" {
		genaiClient, err := genai.NewClient(genai.WithAPIKey(*flags.openaiKey))
		if err != nil {
			slog.Error("GenAI client unavailable, ai_reply nodes will use fallbacks", "error", err)
		} else {
			engineOpts = append(engineOpts, flow.WithGenAI(genaiClient))
		}
	}

	letters := deadletter.NewManager(st, service)
	engineOpts = append(engineOpts,
		flow.WithFailureRecorder(letters),
		flow.WithStepLimit(util.ParseIntEnv("FLOW_STEP_LIMIT", flow.DefaultStepLimit)),
		flow.WithDelayThreshold(util.ParseDurationEnv("FLOW_DELAY_THRESHOLD", flow.DefaultDelayThreshold)),
	)
	engine := flow.NewEngine(st, service, engineOpts...)
	dispatcher := campaign.NewDispatcher(st, service,
		campaign.WithFailureThreshold(util.ParseFloatEnv("CAMPAIGN_FAILURE_THRESHOLD", campaign.DefaultFailureThreshold)))

	handler := messaging.NewResponseHandler(st, engine, service, *flags.defaultFlowID)
	handler.Start(ctx)
	defer handler.Stop()

	sched := scheduler.NewScheduler(st, engine, dispatcher, letters,
		scheduler.WithIntervals(
			util.ParseDurationEnv("SCHEDULER_RESUME_INTERVAL", scheduler.DefaultResumeInterval),
			util.ParseDurationEnv("SCHEDULER_CAMPAIGN_INTERVAL", scheduler.DefaultCampaignInterval),
			util.ParseDurationEnv("SCHEDULER_RETRY_INTERVAL", scheduler.DefaultRetryInterval),
			util.ParseDurationEnv("SCHEDULER_SWEEP_INTERVAL", scheduler.DefaultSweepInterval),
		),
		scheduler.WithBatchSize(util.ParseIntEnv("SCHEDULER_BATCH_SIZE", scheduler.DefaultPollBatchSize)),
	)
	sched.Start(ctx)
	defer sched.Stop()

	// The Twilio channel receives inbound traffic over a webhook.
	if twilioSvc, ok := service.(*messaging.TwilioService); ok {
		mux := http.NewServeMux()
		mux.HandleFunc("/webhook/twilio", twilioSvc.WebhookHandler)
		srv := &http.Server{Addr: *flags.webhookAddr, Handler: mux}
		go func() {
			slog.Info("Twilio webhook listening", "addr", *flags.webhookAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("Webhook server failed", "error", err)
			}
		}()
		defer srv.Shutdown(context.Background())
	}

	slog.Info("ChatWeave running", "channel", *flags.channel, "defaultFlowID", *flags.defaultFlowID)
	<-ctx.Done()
	slog.Info("Shutdown signal received")
	return nil
}
