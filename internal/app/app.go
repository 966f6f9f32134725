// Package app wires configuration, storage, and the request pipeline into a
// runnable server process.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
	"gorm.io/gorm"

	"github.com/echo-ai/echo-proxy/internal/config"
	"github.com/echo-ai/echo-proxy/internal/db"
	"github.com/echo-ai/echo-proxy/internal/escrow"
	"github.com/echo-ai/echo-proxy/internal/models"
	"github.com/echo-ai/echo-proxy/internal/pricing"
	"github.com/echo-ai/echo-proxy/internal/provider"
	"github.com/echo-ai/echo-proxy/internal/proxy"
	"github.com/echo-ai/echo-proxy/internal/resource"
	"github.com/echo-ai/echo-proxy/internal/security"
	"github.com/echo-ai/echo-proxy/internal/tokencache"
	"github.com/echo-ai/echo-proxy/internal/wallet"
	"github.com/echo-ai/echo-proxy/internal/x402"
)

const tokenIssuer = "echo-proxy"

// Migrate opens the database and applies migrations.
func Migrate(_ context.Context, configPath string) error {
	cfg, errLoad := config.Load(configPath)
	if errLoad != nil {
		return errLoad
	}
	conn, errOpen := db.Open(cfg.DSN)
	if errOpen != nil {
		return errOpen
	}
	return db.Migrate(conn)
}

// RunServer boots the metered relay and blocks until ctx is canceled.
func RunServer(ctx context.Context, configPath string) error {
	cfg, errLoad := config.Load(configPath)
	if errLoad != nil {
		return errLoad
	}
	setupLogging(cfg)

	conn, errOpen := db.Open(cfg.DSN)
	if errOpen != nil {
		return errOpen
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return errMigrate
	}

	var signer provider.TokenSource
	if strings.TrimSpace(cfg.TokenSecret) != "" {
		s, errSigner := tokencache.NewSigner([]byte(cfg.TokenSecret), tokenIssuer, cfg.RedisURL, time.Hour)
		if errSigner != nil {
			return errSigner
		}
		signer = s
	} else {
		log.Warn("no token secret configured; media URLs will not be signed")
	}

	resolver := provider.NewResolver(pricing.Default(), provider.Keys{
		OpenAI:    cfg.Providers.OpenAI,
		Anthropic: cfg.Providers.Anthropic,
		Gemini:    cfg.Providers.Gemini,
	}, signer)

	settlement := buildSettlement(cfg)
	tools := resource.NewClient(cfg.Providers.Tavily, cfg.Providers.E2B, cfg.RequestTimeout)

	server, errServer := proxy.NewServer(cfg, conn, resolver, settlement, tools)
	if errServer != nil {
		return errServer
	}

	sweeper := escrow.NewSweeper(conn, cfg.CleanupInterval, cfg.InFlightStaleAfter)
	go sweeper.Run(ctx)

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           server.Router(),
		ReadHeaderTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("listen", cfg.Listen).Info("server starting")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if errShutdown := httpServer.Shutdown(shutdownCtx); errShutdown != nil {
			return errShutdown
		}
		return nil
	case errServe := <-errCh:
		if errors.Is(errServe, http.ErrServerClosed) {
			return nil
		}
		return errServe
	}
}

// buildSettlement assembles the x402 settlement chain: configured
// facilitators in order, wallet service signer last. Returns nil when no
// settlement path is configured, which disables micropayment admission.
func buildSettlement(cfg *config.Config) *x402.Settlement {
	var local x402.LocalSigner
	if w := wallet.NewClient(cfg.X402.WalletServiceURL, cfg.X402.WalletServiceKey, cfg.X402.FacilitatorTimeout); w != nil {
		local = w
	}
	if len(cfg.X402.Facilitators) == 0 && local == nil {
		log.Warn("no x402 facilitators or wallet service configured; micropayments disabled")
		return nil
	}
	if strings.TrimSpace(cfg.X402.PayTo) == "" {
		log.Warn("no x402 pay-to address configured; micropayments disabled")
		return nil
	}
	client := x402.NewClient(cfg.X402.Facilitators, cfg.X402.FacilitatorTimeout, local)
	return x402.NewSettlement(cfg.X402, client)
}

// CreateAPIKey issues a key for the given user and app, creating both on
// first reference.
func CreateAPIKey(ctx context.Context, configPath, email, appName, keyName string) (string, error) {
	cfg, errLoad := config.Load(configPath)
	if errLoad != nil {
		return "", errLoad
	}
	conn, errOpen := db.Open(cfg.DSN)
	if errOpen != nil {
		return "", errOpen
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return "", errMigrate
	}

	token, errGenerate := security.GenerateAPIKey()
	if errGenerate != nil {
		return "", errGenerate
	}

	errTx := conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user models.User
		errFetch := tx.Where("email = ?", email).First(&user).Error
		if errors.Is(errFetch, gorm.ErrRecordNotFound) {
			user = models.User{Email: email, Name: email}
			if errCreate := tx.Create(&user).Error; errCreate != nil {
				return fmt.Errorf("create user: %w", errCreate)
			}
		} else if errFetch != nil {
			return fmt.Errorf("load user: %w", errFetch)
		}

		var app models.App
		errFetch = tx.Where("name = ?", appName).First(&app).Error
		if errors.Is(errFetch, gorm.ErrRecordNotFound) {
			app = models.App{Name: appName, OwnerID: &user.ID}
			if errCreate := tx.Create(&app).Error; errCreate != nil {
				return fmt.Errorf("create app: %w", errCreate)
			}
		} else if errFetch != nil {
			return fmt.Errorf("load app: %w", errFetch)
		}

		key := models.APIKey{
			UserID: &user.ID,
			AppID:  &app.ID,
			Name:   keyName,
			APIKey: token,
			Active: true,
		}
		if errCreate := tx.Create(&key).Error; errCreate != nil {
			return fmt.Errorf("create api key: %w", errCreate)
		}
		return nil
	})
	if errTx != nil {
		return "", errTx
	}
	return token, nil
}

// setupLogging configures the process logger, with rotation when a log file
// is set.
func setupLogging(cfg *config.Config) {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if strings.TrimSpace(cfg.LogFile) == "" {
		return
	}
	rotator := &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    100,
		MaxBackups: 5,
		MaxAge:     30,
		Compress:   true,
	}
	log.SetOutput(io.MultiWriter(os.Stdout, rotator))
}
