package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/BTreeMap/IntakePipe/internal/api"
	"github.com/BTreeMap/IntakePipe/internal/cloudapi"
	"github.com/BTreeMap/IntakePipe/internal/flow"
	"github.com/BTreeMap/IntakePipe/internal/lockfile"
	"github.com/BTreeMap/IntakePipe/internal/messaging"
	"github.com/BTreeMap/IntakePipe/internal/metrics"
	"github.com/BTreeMap/IntakePipe/internal/postal"
	"github.com/BTreeMap/IntakePipe/internal/recorder"
	"github.com/BTreeMap/IntakePipe/internal/store"
	"github.com/BTreeMap/IntakePipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/IntakePipe/internal/util"
	"github.com/BTreeMap/IntakePipe/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for IntakePipe state data
	DefaultStateDir = "/var/lib/intakepipe"
	// DefaultAppDBFileName is the default SQLite database for sessions, dedup, outbox and ledger
	DefaultAppDBFileName = "intakepipe.db"
	// DefaultWhatsAppDBFileName is the default whatsmeow device store
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultChannel is the messaging channel used when none is configured
	DefaultChannel = "cloudapi"
	// DefaultOutboxPoll is how often parked records are retried
	DefaultOutboxPoll = 30 * time.Second
)

// Config holds the resolved configuration. Environment variables give the defaults,
// command line flags override them.
type Config struct {
	StateDir         string `validate:"required"`
	ApplicationDBDSN string
	WhatsAppDBDSN    string
	RedisAddr        string `validate:"omitempty,hostname_port"`
	RedisPassword    string
	RedisDB          int           `validate:"gte=0"`
	SessionTTL       time.Duration `validate:"gte=0"`
	APIAddr          string        `validate:"required"`
	AdminToken       string
	LogLevel         string `validate:"oneof=debug info warn error"`
	Channel          string `validate:"oneof=cloudapi twilio whatsmeow"`

	CloudAccessToken   string
	CloudPhoneNumberID string
	CloudVerifyToken   string
	CloudAppSecret     string

	TwilioAccountSID string `validate:"required_if=Channel twilio"`
	TwilioAuthToken  string `validate:"required_if=Channel twilio"`
	TwilioFrom       string `validate:"required_if=Channel twilio"`

	QROutput    string
	NumericCode bool

	SheetsID              string
	SheetsCredentialsFile string `validate:"required_with=SheetsID"`
	TimeZone              string
	PostalBaseURL         string        `validate:"omitempty,url"`
	OutboxPoll            time.Duration `validate:"gt=0"`

	ClinicName      string
	ClinicAddress   string
	ClinicHours     string
	ClinicPhone     string
	ClinicWebsite   string
	ClinicInstagram string
}

func main() {
	config := loadEnvironmentConfig()
	config, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	initializeLogger(config.LogLevel)

	if err := validateConfig(config); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping IntakePipe", "channel", config.Channel, "stateDir", config.StateDir, "apiAddr", config.APIAddr)
	if err := run(ctx, config); err != nil {
		slog.Error("IntakePipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("IntakePipe exited successfully")
}

// initializeLogger sets up structured logging at the configured level.
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// loadEnvironmentConfig loads configuration from environment variables and the .env file.
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	config := Config{
		StateDir:         util.GetenvDefault("INTAKEPIPE_STATE_DIR", DefaultStateDir),
		ApplicationDBDSN: os.Getenv("DATABASE_DSN"),
		WhatsAppDBDSN:    os.Getenv("WHATSAPP_DB_DSN"),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
		RedisDB:          util.ParseIntEnv("REDIS_DB", 0),
		SessionTTL:       util.ParseDurationEnv("INTAKE_SESSION_TTL", flow.DefaultSessionTTL),
		APIAddr:          util.GetenvDefault("API_ADDR", api.DefaultAddr),
		AdminToken:       os.Getenv("INTAKE_ADMIN_TOKEN"),
		LogLevel:         util.GetenvDefault("INTAKE_LOG_LEVEL", "info"),
		Channel:          util.GetenvDefault("INTAKE_CHANNEL", DefaultChannel),

		CloudAccessToken:   os.Getenv("WA_ACCESS_TOKEN"),
		CloudPhoneNumberID: os.Getenv("WA_PHONE_NUMBER_ID"),
		CloudVerifyToken:   os.Getenv("WA_VERIFY_TOKEN"),
		CloudAppSecret:     os.Getenv("WA_APP_SECRET"),

		TwilioAccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:       os.Getenv("TWILIO_FROM_NUMBER"),

		QROutput:    os.Getenv("WHATSAPP_QR_OUTPUT"),
		NumericCode: util.ParseBoolEnv("WHATSAPP_NUMERIC_CODE", false),

		SheetsID:              os.Getenv("SHEETS_SPREADSHEET_ID"),
		SheetsCredentialsFile: os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"),
		TimeZone:              util.GetenvDefault("INTAKE_TIMEZONE", "America/Sao_Paulo"),
		PostalBaseURL:         os.Getenv("VIACEP_BASE_URL"),
		OutboxPoll:            util.ParseDurationEnv("OUTBOX_POLL_INTERVAL", DefaultOutboxPoll),

		ClinicName:      os.Getenv("CLINIC_NAME"),
		ClinicAddress:   os.Getenv("CLINIC_ADDRESS"),
		ClinicHours:     os.Getenv("CLINIC_HOURS"),
		ClinicPhone:     os.Getenv("CLINIC_PHONE"),
		ClinicWebsite:   os.Getenv("CLINIC_WEBSITE"),
		ClinicInstagram: os.Getenv("CLINIC_INSTAGRAM"),
	}

	// DATABASE_URL is still honored for older deployments.
	if config.ApplicationDBDSN == "" {
		config.ApplicationDBDSN = os.Getenv("DATABASE_URL")
	}
	applyStateDirDefaults(&config)

	slog.Debug("environment variables loaded",
		"INTAKEPIPE_STATE_DIR", config.StateDir,
		"DATABASE_DSN_SET", config.ApplicationDBDSN != "",
		"REDIS_ADDR", config.RedisAddr,
		"INTAKE_CHANNEL", config.Channel,
		"SHEETS_SET", config.SheetsID != "")
	return config
}

// applyStateDirDefaults fills file-based DSNs that were left empty.
func applyStateDirDefaults(c *Config) {
	if c.ApplicationDBDSN == "" {
		c.ApplicationDBDSN = filepath.Join(c.StateDir, DefaultAppDBFileName)
	}
	if c.WhatsAppDBDSN == "" {
		c.WhatsAppDBDSN = "file:" + filepath.Join(c.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	}
}

// parseCommandLineFlags overrides config with command line arguments.
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Config, error) {
	stateDir := fs.String("state-dir", config.StateDir, "state directory (overrides $INTAKEPIPE_STATE_DIR)")
	dbDSN := fs.String("db-dsn", "", "application database DSN (overrides $DATABASE_DSN)")
	waDSN := fs.String("whatsapp-db-dsn", "", "whatsmeow device store DSN (overrides $WHATSAPP_DB_DSN)")
	redisAddr := fs.String("redis-addr", config.RedisAddr, "Redis address for sessions (overrides $REDIS_ADDR)")
	apiAddr := fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	channel := fs.String("channel", config.Channel, "messaging channel: cloudapi, twilio or whatsmeow (overrides $INTAKE_CHANNEL)")
	ttl := fs.Duration("session-ttl", config.SessionTTL, "idle time before a session is discarded (overrides $INTAKE_SESSION_TTL)")
	logLevel := fs.String("log-level", config.LogLevel, "log level (overrides $INTAKE_LOG_LEVEL)")
	qrOutput := fs.String("qr-output", config.QROutput, "path to write the whatsmeow login QR code (overrides $WHATSAPP_QR_OUTPUT)")
	numeric := fs.Bool("numeric-code", config.NumericCode, "print the whatsmeow pairing code instead of a QR code (overrides $WHATSAPP_NUMERIC_CODE)")

	if err := fs.Parse(args); err != nil {
		return config, err
	}

	stateDirChanged := *stateDir != config.StateDir
	if stateDirChanged {
		oldApp := filepath.Join(config.StateDir, DefaultAppDBFileName)
		oldWA := "file:" + filepath.Join(config.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
		config.StateDir = *stateDir
		if config.ApplicationDBDSN == oldApp {
			config.ApplicationDBDSN = ""
		}
		if config.WhatsAppDBDSN == oldWA {
			config.WhatsAppDBDSN = ""
		}
	}
	if *dbDSN != "" {
		config.ApplicationDBDSN = *dbDSN
	}
	if *waDSN != "" {
		config.WhatsAppDBDSN = *waDSN
	}
	applyStateDirDefaults(&config)

	config.RedisAddr = *redisAddr
	config.APIAddr = *apiAddr
	config.Channel = *channel
	config.SessionTTL = *ttl
	config.LogLevel = *logLevel
	config.QROutput = *qrOutput
	config.NumericCode = *numeric
	return config, nil
}

// validateConfig checks the struct rules.
func validateConfig(c Config) error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func clinicInfo(c Config) flow.ClinicInfo {
	info := flow.DefaultClinicInfo
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&info.Name, c.ClinicName)
	set(&info.Address, c.ClinicAddress)
	set(&info.Hours, c.ClinicHours)
	set(&info.Phone, c.ClinicPhone)
	set(&info.Website, c.ClinicWebsite)
	set(&info.Instagram, c.ClinicInstagram)
	return info
}

// buildStoreOptions picks the store backend for the application DSN.
func buildStoreOptions(c Config) []store.Option {
	if c.ApplicationDBDSN == "" {
		return nil
	}
	if store.DetectDSNType(c.ApplicationDBDSN) == "postgres" {
		return []store.Option{store.WithPostgresDSN(c.ApplicationDBDSN)}
	}
	return []store.Option{store.WithSQLiteDSN(c.ApplicationDBDSN)}
}

// ensureDirectoriesExist creates the directory of a file-based application database.
func ensureDirectoriesExist(c Config) error {
	if c.ApplicationDBDSN == "" || store.DetectDSNType(c.ApplicationDBDSN) == "postgres" {
		return nil
	}
	path := strings.TrimPrefix(c.ApplicationDBDSN, "file:")
	if i := strings.Index(path, "?"); i >= 0 {
		path = path[:i]
	}
	return os.MkdirAll(filepath.Dir(path), 0o755)
}

// buildWriter returns the downstream record writer: the spreadsheet when configured, the log otherwise.
func buildWriter(ctx context.Context, c Config) (recorder.Writer, error) {
	if c.SheetsID == "" {
		slog.Warn("No spreadsheet configured, intake records will only be logged")
		return recorder.LogRecorder{}, nil
	}
	creds, err := os.ReadFile(c.SheetsCredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read sheets credentials: %w", err)
	}
	gs, err := recorder.NewGoogleSheets(ctx, c.SheetsID, creds)
	if err != nil {
		return nil, err
	}
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		slog.Warn("Unknown time zone, using UTC", "timeZone", c.TimeZone, "error", err)
		loc = time.UTC
	}
	sr := recorder.NewSheetsRecorder(gs, recorder.WithLocation(loc))
	if err := sr.Prepare(ctx); err != nil {
		return nil, err
	}
	return sr, nil
}

// buildService creates the messaging service for the configured channel plus its webhook options.
func buildService(ctx context.Context, c Config) (messaging.Service, []api.Option, error) {
	switch c.Channel {
	case "twilio":
		client, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(c.TwilioAccountSID),
			twiliowhatsapp.WithAuthToken(c.TwilioAuthToken),
			twiliowhatsapp.WithFromWhats(c.TwilioFrom),
		)
		if err != nil {
			return nil, nil, err
		}
		svc := messaging.NewTwilioService(client)
		return svc, []api.Option{api.WithTwilioWebhook(svc)}, nil
	case "whatsmeow":
		waOpts := []whatsapp.Option{whatsapp.WithDBDSN(c.WhatsAppDBDSN)}
		if c.QROutput != "" {
			waOpts = append(waOpts, whatsapp.WithQRCodeOutput(c.QROutput))
		}
		if c.NumericCode {
			waOpts = append(waOpts, whatsapp.WithNumericCode())
		}
		client, err := whatsapp.NewClient(ctx, waOpts...)
		if err != nil {
			return nil, nil, err
		}
		return messaging.NewWhatsAppService(client), nil, nil
	default:
		client := cloudapi.NewClient(
			cloudapi.WithAccessToken(c.CloudAccessToken),
			cloudapi.WithPhoneNumberID(c.CloudPhoneNumberID),
		)
		svc := messaging.NewCloudAPIService(client,
			messaging.WithVerifyToken(c.CloudVerifyToken),
			messaging.WithAppSecret(c.CloudAppSecret),
		)
		return svc, []api.Option{api.WithCloudWebhook(svc)}, nil
	}
}

// run wires every component and blocks until ctx is cancelled.
func run(ctx context.Context, c Config) error {
	lock, err := lockfile.AcquireLock(c.StateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	if err := ensureDirectoriesExist(c); err != nil {
		return fmt.Errorf("create database directory: %w", err)
	}
	st, err := store.Open(buildStoreOptions(c)...)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	health := func(ctx context.Context) error {
		_, err := st.GetSession(ctx, "health-probe")
		return err
	}
	var sessions store.SessionStore = st
	if c.RedisAddr != "" {
		rc, err := store.NewRedisClient(ctx, c.RedisAddr, c.RedisPassword, c.RedisDB)
		if err != nil {
			return err
		}
		defer rc.Close()
		sessions = store.NewRedisSessionStore(rc, 2*c.SessionTTL)
		health = redisAndStore(rc, health)
		slog.Info("Sessions stored in Redis", "addr", c.RedisAddr)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	writer, err := buildWriter(ctx, c)
	if err != nil {
		return fmt.Errorf("build record writer: %w", err)
	}
	reconciler := recorder.NewReconciler(recorder.NewIdempotent(writer, st), st)
	outboxSender := store.NewOutboxSender(st, reconciler.Deliver, c.OutboxPoll)
	if err := outboxSender.RecoverStaleMessages(); err != nil {
		slog.Warn("Outbox recovery failed", "error", err)
	}

	var postalOpts []postal.Option
	if c.PostalBaseURL != "" {
		postalOpts = append(postalOpts, postal.WithBaseURL(c.PostalBaseURL))
	}

	svc, webhookOpts, err := buildService(ctx, c)
	if err != nil {
		return fmt.Errorf("build messaging service: %w", err)
	}

	engine := flow.NewEngine(sessions, svc,
		flow.WithTTL(c.SessionTTL),
		flow.WithRecorder(reconciler),
		flow.WithAddressLookup(postal.NewViaCEPClient(postalOpts...)),
		flow.WithClinicInfo(clinicInfo(c)),
		flow.WithMetrics(m),
	)
	dispatcher := messaging.NewDispatcher(engine.Handle,
		messaging.WithDedup(st),
		messaging.WithDispatcherMetrics(m),
	)

	apiOpts := append([]api.Option{
		api.WithAddr(c.APIAddr),
		api.WithAdminToken(c.AdminToken),
		api.WithSessions(engine.Sessions()),
		api.WithOutbox(st),
		api.WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
		api.WithHealthCheck(health),
	}, webhookOpts...)
	server := api.NewServer(apiOpts...)

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start messaging service: %w", err)
	}

	// A failed listener must also stop the background workers.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		outboxSender.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		dispatcher.Run(ctx, svc.Events())
	}()

	serveErr := server.Run(ctx)
	cancel()
	if err := svc.Stop(); err != nil {
		slog.Warn("Messaging service stop failed", "error", err)
	}
	wg.Wait()
	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		return serveErr
	}
	return nil
}

func redisAndStore(rc *redis.Client, next func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := rc.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		return next(ctx)
	}
}
