package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/someday/internal/auth"
	"github.com/MarcoPoloResearchLab/someday/internal/config"
	"github.com/MarcoPoloResearchLab/someday/internal/database"
	"github.com/MarcoPoloResearchLab/someday/internal/logging"
	"github.com/MarcoPoloResearchLab/someday/internal/notes"
	"github.com/MarcoPoloResearchLab/someday/internal/profiles"
	"github.com/MarcoPoloResearchLab/someday/internal/realtime"
	"github.com/MarcoPoloResearchLab/someday/internal/relations"
	"github.com/MarcoPoloResearchLab/someday/internal/server"
	"github.com/MarcoPoloResearchLab/someday/internal/threads"
	"github.com/MarcoPoloResearchLab/someday/internal/users"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	sessionSweepInterval = time.Minute
	shutdownTimeout      = 10 * time.Second
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "someday-api",
		Short: "Someday life-updates backend service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("allowed-origins", "", "Comma-separated CORS origins (empty allows any)")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", "", "PostgreSQL connection string")
	cmd.PersistentFlags().String("redis-url", "", "Redis URL for cross-instance realtime fan-out")
	cmd.PersistentFlags().Int("feed-page-size", defaults.GetInt("feed.page_size"), "Initial feed page size")
	cmd.PersistentFlags().Bool("allow-self-cheer", defaults.GetBool("relations.allow_self_cheer"), "Allow users to cheer their own notes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("session-cookie", defaults.GetString("tauth.cookie_name"), "Session cookie name")
	cmd.PersistentFlags().String("session-issuer", defaults.GetString("tauth.issuer"), "Expected session token issuer")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "redis.url", "redis-url")
	bindFlag(cmd, "feed.page_size", "feed-page-size")
	bindFlag(cmd, "relations.allow_self_cheer", "allow-self-cheer")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "tauth.signing_secret", "signing-secret")
	bindFlag(cmd, "tauth.cookie_name", "session-cookie")
	bindFlag(cmd, "tauth.issuer", "session-issuer")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Open(database.Config{
		Driver: appConfig.DatabaseDriver,
		Path:   appConfig.DatabasePath,
		DSN:    appConfig.DatabaseDSN,
	}, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	group, groupCtx := errgroup.WithContext(signalCtx)

	hub := realtime.NewHub()
	var publisher realtime.Publisher = hub
	if appConfig.RedisURL != "" {
		redisClient, err := realtime.NewRedisClient(groupCtx, appConfig.RedisURL)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		relay, err := realtime.NewRedisRelay(realtime.RedisRelayConfig{
			Client: redisClient,
			Hub:    hub,
			Logger: logger,
		})
		if err != nil {
			return err
		}
		publisher = relay
		group.Go(func() error {
			return relay.Run(groupCtx)
		})
	}

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.TAuthSigningKey),
		Issuer:        appConfig.TAuthIssuer,
		CookieName:    appConfig.TAuthCookieName,
	})
	if err != nil {
		return err
	}
	sessionTracker := auth.NewSessionTracker(time.Now, logger)

	usersService, err := users.NewService(users.ServiceConfig{Database: db, Clock: time.Now, Logger: logger})
	if err != nil {
		return err
	}
	profilesService, err := profiles.NewService(profiles.ServiceConfig{Database: db, Clock: time.Now, Logger: logger})
	if err != nil {
		return err
	}
	onboarding, err := profiles.NewGate(profilesService, logger)
	if err != nil {
		return err
	}
	notesService, err := notes.NewService(notes.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: notes.NewUUIDProvider(),
		Profiles:   profilesService,
		Publisher:  publisher,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	threadResolver, err := threads.NewResolver(notesService, logger)
	if err != nil {
		return err
	}
	follows, err := relations.NewService(relations.ServiceConfig{
		Database:  db,
		Kind:      relations.KindFollow,
		Clock:     time.Now,
		Logger:    logger,
		Publisher: publisher,
		Profiles:  profilesService,
	})
	if err != nil {
		return err
	}
	cheers, err := relations.NewService(relations.ServiceConfig{
		Database:       db,
		Kind:           relations.KindCheer,
		Clock:          time.Now,
		Logger:         logger,
		Publisher:      publisher,
		Notes:          notesService,
		Profiles:       profilesService,
		AllowSelfCheer: appConfig.AllowSelfCheer,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator: sessionValidator,
		SessionTracker:   sessionTracker,
		Users:            usersService,
		Profiles:         profilesService,
		Onboarding:       onboarding,
		Notes:            notesService,
		Threads:          threadResolver,
		Follows:          follows,
		Cheers:           cheers,
		Events:           hub,
		FeedPageSize:     appConfig.FeedPageSize,
		AllowedOrigins:   appConfig.AllowedOrigins,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
		BaseContext: func(net.Listener) context.Context {
			return groupCtx
		},
	}

	group.Go(func() error {
		return sessionTracker.Run(groupCtx, sessionSweepInterval)
	})
	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
