package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/urfave/cli/v3"

	"github.com/fclairamb/tokengate/internal/api"
	"github.com/fclairamb/tokengate/internal/authapi"
	"github.com/fclairamb/tokengate/internal/config"
	"github.com/fclairamb/tokengate/internal/gateway"
	"github.com/fclairamb/tokengate/internal/store"
	"github.com/fclairamb/tokengate/internal/version"
)

const shutdownTimeout = 30 * time.Second

// ErrUsage is returned when a command is called with the wrong arguments.
var ErrUsage = errors.New("invalid usage")

// setupLogger creates the logger, optionally writing to a file in test mode.
// Returns the logger and a cleanup function to close the log file (if any).
func setupLogger(runMode config.RunMode, level slog.Level) (*slog.Logger, func()) {
	var writer io.Writer = os.Stdout
	var cleanup func()

	if runMode == config.RunModeTest {
		writer, cleanup = setupTestLogFile()
	}

	logger := slog.New(slog.NewJSONHandler(writer, &slog.HandlerOptions{
		Level: level,
	}))

	return logger, cleanup
}

// setupTestLogFile creates a log file for test mode and returns a writer and cleanup function.
func setupTestLogFile() (io.Writer, func()) {
	logDir := "logs"
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to create logs directory: %v\n", err)
		return os.Stdout, nil
	}

	dateTimePrefix := time.Now().Format("2006-01-02_15-04-05")
	logFileName := filepath.Join(logDir, fmt.Sprintf("%s_tokengate.log", dateTimePrefix))

	logFile, err := os.OpenFile(logFileName, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to create log file: %v\n", err)
		return os.Stdout, nil
	}

	return io.MultiWriter(os.Stdout, logFile), func() { _ = logFile.Close() }
}

// cliFlags holds CLI flag values that will override config.
type cliFlags struct {
	baseURL       string
	apiAddr       string
	profile       string
	storageDriver string
	storagePath   string
	redisURL      string
	dsn           string
	key           string
	keyFile       string
	configFile    string
	envFile       string
	logLevel      string
	timeout       time.Duration
}

// loginFlags holds the values of the login command.
type loginFlags struct {
	email    string
	username string
	password string
}

// requestFlags holds the values of the request command.
type requestFlags struct {
	data        string
	endpointKey string
	headers     []string
}

func main() {
	CmdRun()
}

func CmdRun() {
	flags := &cliFlags{}
	login := &loginFlags{}
	request := &requestFlags{}

	cmd := &cli.Command{
		Name:    "tokengate",
		Usage:   "Authenticated request gateway with single-flight credential refresh",
		Version: version.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "base-url",
				Aliases:     []string{"u"},
				Usage:       "Upstream API base URL",
				Destination: &flags.baseURL,
			},
			&cli.StringFlag{
				Name:        "api-addr",
				Aliases:     []string{"a"},
				Usage:       "Local REST API listen address",
				Destination: &flags.apiAddr,
			},
			&cli.StringFlag{
				Name:        "profile",
				Aliases:     []string{"p"},
				Usage:       "Credential profile name",
				Destination: &flags.profile,
			},
			&cli.StringFlag{
				Name:        "storage",
				Usage:       "Credential storage driver (memory, file, redis, postgres)",
				Destination: &flags.storageDriver,
			},
			&cli.StringFlag{
				Name:        "storage-path",
				Usage:       "Credentials file for the file storage driver",
				Destination: &flags.storagePath,
			},
			&cli.StringFlag{
				Name:        "redis-url",
				Usage:       "Redis URL for the redis storage driver",
				Destination: &flags.redisURL,
			},
			&cli.StringFlag{
				Name:        "dsn",
				Aliases:     []string{"d"},
				Usage:       "PostgreSQL DSN for the postgres storage driver",
				Destination: &flags.dsn,
			},
			&cli.StringFlag{
				Name:        "key",
				Aliases:     []string{"k"},
				Usage:       "Base64-encoded AES-256 encryption key",
				Destination: &flags.key,
			},
			&cli.StringFlag{
				Name:        "keyfile",
				Usage:       "Path to file containing encryption key",
				Destination: &flags.keyFile,
			},
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to config file (YAML, JSON, or TOML)",
				Destination: &flags.configFile,
			},
			&cli.StringFlag{
				Name:        "env-file",
				Usage:       "Path to a .env file",
				Destination: &flags.envFile,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "Log level (debug, info, warn, error)",
				Sources:     cli.EnvVars("TKG_LOG_LEVEL"),
				Destination: &flags.logLevel,
			},
			&cli.DurationFlag{
				Name:        "timeout",
				Usage:       "Timeout of every outbound call",
				Destination: &flags.timeout,
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Start the local gateway server (default)",
				Action: func(ctx context.Context, _ *cli.Command) error {
					return runServer(ctx, flags)
				},
			},
			{
				Name:  "login",
				Usage: "Sign in upstream and store the issued credentials",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:        "email",
						Usage:       "Account email",
						Destination: &login.email,
					},
					&cli.StringFlag{
						Name:        "username",
						Usage:       "Account username",
						Destination: &login.username,
					},
					&cli.StringFlag{
						Name:        "password",
						Usage:       "Account password",
						Sources:     cli.EnvVars("TKG_PASSWORD"),
						Destination: &login.password,
					},
				},
				Action: func(ctx context.Context, _ *cli.Command) error {
					return runLogin(ctx, flags, login)
				},
			},
			{
				Name:  "logout",
				Usage: "Drop the stored credentials",
				Action: func(ctx context.Context, _ *cli.Command) error {
					return runLogout(ctx, flags)
				},
			},
			{
				Name:  "status",
				Usage: "Show the stored session",
				Action: func(ctx context.Context, _ *cli.Command) error {
					return runStatus(ctx, flags)
				},
			},
			{
				Name:      "request",
				Usage:     "Send one authenticated request and print the response body",
				ArgsUsage: "<METHOD> <PATH>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:        "data",
						Usage:       "JSON request body",
						Destination: &request.data,
					},
					&cli.StringFlag{
						Name:        "endpoint-key",
						Usage:       "Endpoint key of the call",
						Destination: &request.endpointKey,
					},
					&cli.StringSliceFlag{
						Name:        "header",
						Aliases:     []string{"H"},
						Usage:       "Extra header, as Name: value",
						Destination: &request.headers,
					},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					if c.NArg() != 2 {
						return fmt.Errorf("%w: expected <METHOD> <PATH>", ErrUsage)
					}

					return runRequest(ctx, flags, request, c.Args().Get(0), c.Args().Get(1))
				},
			},
			{
				Name:  "db",
				Usage: "Database migration commands (postgres storage)",
				Commands: []*cli.Command{
					{
						Name:  "migrate",
						Usage: "Run pending migrations",
						Action: func(ctx context.Context, _ *cli.Command) error {
							return runMigrate(ctx, flags)
						},
					},
					{
						Name:  "rollback",
						Usage: "Rollback the last migration group",
						Action: func(ctx context.Context, _ *cli.Command) error {
							return runRollback(ctx, flags)
						},
					},
					{
						Name:  "status",
						Usage: "Show migration status",
						Action: func(ctx context.Context, _ *cli.Command) error {
							return runMigrationStatus(ctx, flags)
						},
					},
				},
			},
			{
				Name:  "version",
				Usage: "Show build information",
				Action: func(_ context.Context, _ *cli.Command) error {
					fmt.Printf("tokengate %s (commit %s, %s)\n", version.Version, version.Commit, version.GitTime)
					return nil
				},
			},
		},
		Action: func(ctx context.Context, _ *cli.Command) error {
			// Default action is to serve
			return runServer(ctx, flags)
		},
	}

	// Use a basic logger for CLI errors (before config is loaded)
	basicLogger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		basicLogger.ErrorContext(context.Background(), "Application error", slog.Any("error", err))
		os.Exit(1)
	}
}

// buildCLIOverrides creates a config override function from CLI flags.
func buildCLIOverrides(flags *cliFlags) func(*config.Config) {
	return func(cfg *config.Config) {
		if flags.baseURL != "" {
			cfg.BaseURL = flags.baseURL
		}
		if flags.apiAddr != "" {
			cfg.ListenAPI = flags.apiAddr
		}
		if flags.profile != "" {
			cfg.Profile = flags.profile
		}
		if flags.storageDriver != "" {
			cfg.Storage.Driver = flags.storageDriver
		}
		if flags.storagePath != "" {
			cfg.Storage.Path = flags.storagePath
		}
		if flags.redisURL != "" {
			cfg.Storage.RedisURL = flags.redisURL
		}
		if flags.dsn != "" {
			cfg.Storage.DSN = flags.dsn
		}
		if flags.key != "" {
			cfg.Key = flags.key
		}
		if flags.keyFile != "" {
			cfg.KeyFile = flags.keyFile
		}
		if flags.configFile != "" {
			cfg.ConfigFile = flags.configFile
		}
		if flags.logLevel != "" {
			cfg.LogLevel = flags.logLevel
		}
		if flags.timeout > 0 {
			cfg.Timeout = flags.timeout
		}
	}
}

// loadConfigWithCLI loads configuration with CLI flag overrides.
func loadConfigWithCLI(flags *cliFlags) (*config.Config, error) {
	opts := config.LoadOptions{
		ConfigFile: flags.configFile,
		EnvFile:    flags.envFile,
	}
	return config.Load(opts, buildCLIOverrides(flags))
}

// setup loads the configuration and installs the default logger.
func setup(flags *cliFlags) (*config.Config, *slog.Logger, func(), error) {
	cfg, err := loadConfigWithCLI(flags)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logLevel := config.ParseLogLevel(cfg.LogLevel)
	logger, logCleanup := setupLogger(cfg.RunMode, logLevel)
	if logCleanup == nil {
		logCleanup = func() {}
	}
	slog.SetDefault(logger)

	return cfg, logger, logCleanup, nil
}

func runServer(ctx context.Context, flags *cliFlags) error {
	cfg, logger, logCleanup, err := setup(flags)
	if err != nil {
		return err
	}
	defer logCleanup()

	logger.InfoContext(ctx, "Starting tokengate")
	logger.InfoContext(ctx, "Configuration loaded",
		slog.String("base_url", cfg.BaseURL),
		slog.String("api_addr", cfg.ListenAPI),
		slog.String("profile", cfg.Profile),
		slog.String("storage", cfg.Storage.Driver),
		slog.Any("run_mode", cfg.RunMode),
		slog.String("log_level", cfg.LogLevel),
	)

	if cfg.RunMode == config.RunModeTest {
		logger.InfoContext(ctx, "Test mode enabled, storage starts empty")
	}

	sess, err := openSession(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sess.close()

	gin.SetMode(gin.ReleaseMode)

	apiServer := api.NewServer(api.Deps{
		Gateway:  sess.gateway,
		Auth:     sess.auth,
		Events:   sess.eventLog(),
		Gatherer: sess.registry,
	}, logger, cfg)

	go func() {
		if err := apiServer.Start(cfg.ListenAPI); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorContext(context.Background(), "API server error", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	logger.InfoContext(ctx, "API server started", slog.String("addr", cfg.ListenAPI))

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	logger.InfoContext(ctx, "Shutdown signal received, gracefully shutting down...")

	// Graceful shutdown with timeout - use fresh context since main context may be canceled
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.ErrorContext(shutdownCtx, "API server shutdown error", slog.Any("error", err))
	}

	logger.InfoContext(shutdownCtx, "Shutdown complete")
	return nil
}

func runLogin(ctx context.Context, flags *cliFlags, login *loginFlags) error {
	if login.password == "" || (login.email == "" && login.username == "") {
		return fmt.Errorf("%w: --email or --username and --password are required", ErrUsage)
	}

	cfg, logger, logCleanup, err := setup(flags)
	if err != nil {
		return err
	}
	defer logCleanup()

	sess, err := openSession(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sess.close()

	session, err := sess.auth.Login(ctx, authapi.LoginRequest{
		Email:    login.email,
		Username: login.username,
		Password: login.password,
	})
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	sess.credentials.Replace(ctx, session.Pair)
	sess.recordEvent(ctx, store.EventLogin, map[string]string{"user_id": session.User.ID, "email": session.User.Email})

	logger.InfoContext(ctx, "Signed in",
		slog.String("profile", cfg.Profile),
		slog.String("user_id", session.User.ID),
		slog.String("email", session.User.Email),
	)

	return nil
}

func runLogout(ctx context.Context, flags *cliFlags) error {
	cfg, logger, logCleanup, err := setup(flags)
	if err != nil {
		return err
	}
	defer logCleanup()

	sess, err := openSession(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sess.close()

	sess.credentials.Clear(ctx)
	sess.recordEvent(ctx, store.EventLogout, nil)

	logger.InfoContext(ctx, "Signed out", slog.String("profile", cfg.Profile))

	return nil
}

func runStatus(ctx context.Context, flags *cliFlags) error {
	cfg, logger, logCleanup, err := setup(flags)
	if err != nil {
		return err
	}
	defer logCleanup()

	sess, err := openSession(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sess.close()

	pair, present := sess.credentials.Get()

	attrs := []any{
		slog.String("profile", cfg.Profile),
		slog.String("storage", cfg.Storage.Driver),
		slog.Bool("signed_in", present),
		slog.Bool("has_refresh", pair.HasRefresh()),
	}

	if exp, ok := pair.AccessExpiry(); ok {
		attrs = append(attrs, slog.Time("access_expires_at", exp), slog.Bool("access_expired", time.Now().After(exp)))
	}

	logger.InfoContext(ctx, "Session status", attrs...)

	return nil
}

func runRequest(ctx context.Context, flags *cliFlags, request *requestFlags, method, path string) error {
	cfg, logger, logCleanup, err := setup(flags)
	if err != nil {
		return err
	}
	defer logCleanup()

	sess, err := openSession(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sess.close()

	req := gateway.Request{
		EndpointKey: request.endpointKey,
		Method:      strings.ToUpper(method),
		Path:        path,
		Headers:     make(http.Header),
	}

	if request.data != "" {
		req.Body = []byte(request.data)
	}

	for _, h := range request.headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok {
			return fmt.Errorf("%w: header %q is not Name: value", ErrUsage, h)
		}
		req.Headers.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}

	resp, err := sess.gateway.Dispatch(ctx, req)
	if err != nil {
		return err
	}

	logger.DebugContext(ctx, "Request completed", slog.Int("status", resp.Status), slog.Int("bytes", len(resp.Body)))

	if _, err := os.Stdout.Write(resp.Body); err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}

	return nil
}

// openStore opens the postgres store for the db commands.
func openStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	if cfg.Storage.DSN == "" {
		return nil, config.ErrStorageDSNRequired
	}

	dataStore, err := store.New(ctx, cfg.Storage.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	return dataStore, nil
}

func runMigrate(ctx context.Context, flags *cliFlags) error {
	cfg, logger, logCleanup, err := setup(flags)
	if err != nil {
		return err
	}
	defer logCleanup()

	logger.InfoContext(ctx, "Running migrations")

	dataStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer dataStore.Close()

	if err := dataStore.Migrate(ctx); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	logger.InfoContext(ctx, "Migrations completed successfully")
	return nil
}

func runRollback(ctx context.Context, flags *cliFlags) error {
	cfg, logger, logCleanup, err := setup(flags)
	if err != nil {
		return err
	}
	defer logCleanup()

	logger.InfoContext(ctx, "Rolling back migrations")

	dataStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer dataStore.Close()

	if err := dataStore.Rollback(ctx); err != nil {
		return fmt.Errorf("rollback failed: %w", err)
	}

	logger.InfoContext(ctx, "Rollback completed successfully")
	return nil
}

func runMigrationStatus(ctx context.Context, flags *cliFlags) error {
	cfg, logger, logCleanup, err := setup(flags)
	if err != nil {
		return err
	}
	defer logCleanup()

	dataStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer dataStore.Close()

	migrationInfos, err := dataStore.MigrationStatus(ctx)
	if err != nil {
		return fmt.Errorf("failed to get migration status: %w", err)
	}

	logger.InfoContext(ctx, "Migration status")
	for _, m := range migrationInfos {
		status := "pending"
		if !m.MigratedAt.IsZero() {
			status = fmt.Sprintf("applied at %s", m.MigratedAt.Format(time.RFC3339))
		}
		logger.InfoContext(ctx, "Migration", slog.String("name", m.Name), slog.String("status", status))
	}

	return nil
}
