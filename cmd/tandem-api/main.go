package main

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/tandem/internal/auth"
	"github.com/MarcoPoloResearchLab/tandem/internal/config"
	"github.com/MarcoPoloResearchLab/tandem/internal/database"
	"github.com/MarcoPoloResearchLab/tandem/internal/exercise"
	"github.com/MarcoPoloResearchLab/tandem/internal/logging"
	"github.com/MarcoPoloResearchLab/tandem/internal/pairings"
	"github.com/MarcoPoloResearchLab/tandem/internal/server"
	"github.com/MarcoPoloResearchLab/tandem/internal/users"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tandem-api",
		Short: "Tandem couples exercise backend service",
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
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to a dotenv file loaded before configuration")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("tauth-signing-secret", "", "TAuth session signing secret (overrides env)")
	cmd.PersistentFlags().String("tauth-cookie-name", defaults.GetString("tauth.cookie_name"), "TAuth session cookie name")
	cmd.PersistentFlags().Int("invite-ttl-minutes", defaults.GetInt("invite.ttl_minutes"), "Pairing invite TTL in minutes")
	cmd.PersistentFlags().Int("countdown-minutes", defaults.GetInt("exercise.countdown_minutes"), "Countdown exercise length in minutes")
	cmd.PersistentFlags().Int("sweep-interval-seconds", defaults.GetInt("exercise.sweep_interval_seconds"), "Countdown expiry sweep interval in seconds")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "tauth.signing_secret", "tauth-signing-secret")
	bindFlag(cmd, "tauth.cookie_name", "tauth-cookie-name")
	bindFlag(cmd, "invite.ttl_minutes", "invite-ttl-minutes")
	bindFlag(cmd, "exercise.countdown_minutes", "countdown-minutes")
	bindFlag(cmd, "exercise.sweep_interval_seconds", "sweep-interval-seconds")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
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

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.TAuthSigningKey),
		CookieName:    appConfig.TAuthCookieName,
		Issuer:        appConfig.TAuthIssuer,
	})
	if err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{Database: db, Clock: time.Now, Logger: logger})
	if err != nil {
		return err
	}

	inviteIssuer, err := auth.NewInviteIssuer(auth.InviteIssuerConfig{
		SigningSecret: []byte(appConfig.InviteSigningKey),
		TokenTTL:      appConfig.InviteTTL,
	})
	if err != nil {
		return err
	}

	idProvider := exercise.NewUUIDProvider()
	pairingService, err := pairings.NewService(pairings.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: idProvider,
		Users:      userService,
		Invites:    inviteIssuer,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	questions := exercise.DefaultQuestions()
	if len(appConfig.QuestionPrompts) > 0 {
		questions, err = exercise.QuestionsFromPrompts(appConfig.QuestionPrompts)
		if err != nil {
			return err
		}
	}

	dispatcher := server.NewRealtimeDispatcher()
	engine, err := exercise.NewEngine(exercise.EngineConfig{
		Database:          db,
		Clock:             time.Now,
		IDProvider:        idProvider,
		Logger:            logger,
		Publisher:         dispatcher,
		Directory:         pairingService,
		Questions:         questions,
		CountdownDuration: appConfig.CountdownDuration,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator: sessionValidator,
		Users:            userService,
		Pairings:         pairingService,
		Engine:           engine,
		Realtime:         dispatcher,
		Logger:           logger,
		AllowedOrigins:   appConfig.AllowedOrigins,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		return engine.Countdown().Run(groupCtx, appConfig.SweepInterval)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}
