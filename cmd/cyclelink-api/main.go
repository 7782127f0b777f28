package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cyclelink/backend/internal/auth"
	"github.com/cyclelink/backend/internal/chat"
	"github.com/cyclelink/backend/internal/config"
	"github.com/cyclelink/backend/internal/database"
	"github.com/cyclelink/backend/internal/logging"
	"github.com/cyclelink/backend/internal/server"
	"github.com/cyclelink/backend/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "cyclelink-api",
		Short: "CycleLink chat backend service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	issueTokenCmd := &cobra.Command{
		Use:   "issue-token <user-id>",
		Short: "Mint a bearer token for a user (development and operations)",
		Args:  cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIssueToken(cmd.Context(), args[0])
		},
	}
	rootCmd.AddCommand(issueTokenCmd)

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
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Bearer token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Bearer token signing secret (overrides env)")
	cmd.PersistentFlags().Int("max-body-bytes", defaults.GetInt("chat.max_body_bytes"), "Maximum chat message body size in bytes")
	cmd.PersistentFlags().Bool("echo-to-sender", defaults.GetBool("chat.echo_to_sender"), "Push sent messages to the sender's other devices")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "chat.max_body_bytes", "max-body-bytes")
	bindFlag(cmd, "chat.echo_to_sender", "echo-to-sender")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
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

func runIssueToken(ctx context.Context, userID string) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	issuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.TokenIssuer,
		Audience:      appConfig.TokenAudience,
		TokenTTL:      appConfig.TokenTTL,
	})
	token, expiresIn, err := issuer.IssueBackendToken(ctx, userID)
	if err != nil {
		return err
	}
	fmt.Printf("%s\nexpires_in=%d\n", token, expiresIn)
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

	tokenIssuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.TokenIssuer,
		Audience:      appConfig.TokenAudience,
		TokenTTL:      appConfig.TokenTTL,
	})

	identityService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		return err
	}

	messageStore, err := chat.NewMessageStore(chat.MessageStoreConfig{
		Database:     db,
		MaxBodyBytes: appConfig.MaxBodyBytes,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	membershipStore, err := chat.NewMembershipStore(chat.MembershipStoreConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	registry := chat.NewRegistry(logger)

	roomManager, err := chat.NewRoomManager(membershipStore, logger)
	if err != nil {
		return err
	}
	membershipStore.OnMembershipChange(roomManager.Invalidate)

	messageRouter, err := chat.NewRouter(chat.RouterConfig{
		Registry:     registry,
		Rooms:        roomManager,
		Store:        messageStore,
		MaxBodyBytes: appConfig.MaxBodyBytes,
		EchoToSender: appConfig.EchoToSender,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	history, err := chat.NewHistory(chat.HistoryConfig{
		Reader:          messageStore,
		Rooms:           roomManager,
		DefaultPageSize: appConfig.DefaultPageSize,
		MaxPageSize:     appConfig.MaxPageSize,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	presence := server.NewPresenceNotifier(registry, membershipStore, roomManager, logger)
	registry.OnPresenceChange(presence.HandleTransition)

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Verifier:         tokenIssuer,
		Registry:         registry,
		Rooms:            roomManager,
		Router:           messageRouter,
		History:          history,
		Members:          membershipStore,
		Identities:       identityService,
		Logger:           logger,
		HandshakeTimeout: appConfig.HandshakeTimeout,
		SendBuffer:       appConfig.SendBuffer,
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

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
