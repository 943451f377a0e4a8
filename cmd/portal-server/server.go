package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/medportal/portal/internal/config"
	"github.com/medportal/portal/internal/domain/access"
	"github.com/medportal/portal/internal/domain/auditlog"
	"github.com/medportal/portal/internal/domain/consent"
	"github.com/medportal/portal/internal/domain/patient"
	"github.com/medportal/portal/internal/domain/provider"
	"github.com/medportal/portal/internal/domain/records"
	"github.com/medportal/portal/internal/platform/auth"
	"github.com/medportal/portal/internal/platform/db"
	"github.com/medportal/portal/internal/platform/middleware"
	"github.com/medportal/portal/internal/platform/notification"
	"github.com/medportal/portal/internal/platform/telemetry"
)

// app holds the wired domain services behind the HTTP surface.
type app struct {
	providers *provider.Service
	sessions  consent.SessionStore
	consent   *consent.Service
	audit     *auditlog.Recorder
	gate      *access.Gate
	tokens    *access.TokenIssuer
	records   records.Store
	metrics   *telemetry.Metrics
}

// buildApp wires the domain services. A nil pool selects in-memory storage
// seeded with the development patient and records.
func buildApp(cfg *config.Config, pool *pgxpool.Pool, notifier consent.Notifier, logger zerolog.Logger) (*app, error) {
	key, generated, err := resolveAccessTokenKey(cfg.AccessTokenKey)
	if err != nil {
		return nil, err
	}
	if generated {
		logger.Warn().Msg("ACCESS_TOKEN_KEY not set; generated an ephemeral key, access tokens will not survive restart")
	}

	storeOpts := consent.StoreOptions{MaxAttempts: cfg.ConsentMaxAttempts, Grace: cfg.ConsentGrace}

	var (
		providerRepo provider.Repository
		sessions     consent.SessionStore
		auditStore   auditlog.Store
		patients     patient.Directory
		recordStore  records.Store
	)
	if pool != nil {
		providerRepo = provider.NewRepoPG(pool)
		sessions = consent.NewStorePG(pool, storeOpts)
		auditStore = auditlog.NewStorePG(pool)
		patients = patient.NewDirectoryPG(pool)
		recordStore = records.NewStorePG(pool)
	} else {
		providerRepo = provider.NewMemoryRepo()
		sessions = consent.NewMemoryStore(storeOpts)
		auditStore = auditlog.NewMemoryStore()
		patients = patient.NewMemoryDirectory(patient.DevSeed)
		mem := records.NewMemoryStore()
		records.SeedDev(mem, patient.DevSeed.ID, time.Now())
		recordStore = mem
	}

	providers := provider.NewService(providerRepo, logger)
	metrics := telemetry.NewMetrics()
	audit := auditlog.NewRecorder(auditStore, logger)
	audit.SetObserver(metrics)
	tokens := access.NewTokenIssuer(key, cfg.AccessTokenTTL)

	svc := consent.NewService(sessions, providers, patients, notifier, audit,
		consent.NumericCode(cfg.OTPDigits),
		consent.Config{TTL: cfg.ConsentTTL, Grace: cfg.ConsentGrace, NotifyTimeout: cfg.NotifyTimeout},
		logger)

	return &app{
		providers: providers,
		sessions:  sessions,
		consent:   svc,
		audit:     audit,
		gate:      access.NewGate(provider.NewGate(providerRepo), sessions, audit, tokens, logger),
		tokens:    tokens,
		records:   recordStore,
		metrics:   metrics,
	}, nil
}

// newNotifier builds the consent code dispatcher. Without SMTP_ADDR email
// goes to the log sender; SMS always does.
func newNotifier(cfg *config.Config, logger zerolog.Logger) *notification.Dispatcher {
	logSender := notification.NewLogSender(logger)
	var email notification.EmailSender = logSender
	if cfg.SMTPAddr != "" {
		email = notification.NewSMTPSender(cfg.SMTPAddr, cfg.SMTPFrom)
	}
	return notification.NewDispatcher(notification.Channel(cfg.NotifyChannel), email, logSender,
		notification.NewTemplateEngine(), logger)
}

// newServer builds the echo instance with the middleware stack and routes.
func newServer(cfg *config.Config, a *app, pool *pgxpool.Pool, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.ErrorHandler(logger)

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(a.metrics.Middleware())
	e.Use(middleware.SecurityHeaders(cfg.TLSEnabled))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(echomw.BodyLimit("64K"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Tenant-ID", "X-Request-ID", access.TokenHeader},
	}))

	switch cfg.ResolvedAuthMode() {
	case "development":
		logger.Warn().Msg("using development auth middleware, do not use in production")
		e.Use(auth.DevAuthMiddleware())
	case "external":
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
			Skipper:  auth.AuthSkipper,
		}))
	default:
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}

	if pool != nil {
		e.Use(db.TenantMiddleware(pool, cfg.DefaultTenant, auth.AuthSkipper))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	if pool != nil {
		e.GET("/health/db", db.HealthHandler(pool))
	}
	e.GET("/metrics", a.metrics.Handler())

	rl := middleware.DefaultRateLimitConfig()
	rl.RequestsPerSecond = cfg.RateLimitRPS
	rl.BurstSize = cfg.RateLimitBurst
	api := e.Group("/api/v1", middleware.RateLimit(rl))

	consentRL := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.ConsentRateLimitRPS,
		BurstSize:         cfg.ConsentRateLimitBurst,
		KeyFunc:           middleware.CallerKey,
	}

	provider.NewHandler(a.providers).RegisterRoutes(api)
	auditlog.NewHandler(a.audit).RegisterRoutes(api)
	consent.NewHandler(a.consent).RegisterRoutes(api, middleware.RateLimit(consentRL))
	access.NewHandler(a.gate).RegisterRoutes(api)
	records.NewHandler(a.records, logger).RegisterRoutes(api,
		access.RequireAccessToken(a.tokens),
		middleware.AccessLog(logger),
	)

	return e
}

// newSweeper reclaims dead consent sessions. On Postgres each tenant schema
// known at startup gets its own sweep scope; with no tenants it returns nil.
func newSweeper(ctx context.Context, cfg *config.Config, a *app, pool *pgxpool.Pool, logger zerolog.Logger) (*consent.Sweeper, error) {
	if pool == nil {
		return consent.NewSweeper(a.sessions, cfg.SweepInterval, logger), nil
	}
	tenants, err := db.ListTenants(ctx, pool)
	if err != nil {
		return nil, fmt.Errorf("list tenants for sweeper: %w", err)
	}
	scopes := make([]consent.ScopeFunc, 0, len(tenants))
	for _, tenantID := range tenants {
		tenantID := tenantID
		scopes = append(scopes, func(ctx context.Context) (context.Context, func(), error) {
			return db.TenantScope(ctx, pool, tenantID)
		})
	}
	if len(scopes) == 0 {
		logger.Warn().Msg("no tenant schemas found, consent sweeper disabled")
		return nil, nil
	}
	return consent.NewSweeper(a.sessions, cfg.SweepInterval, logger, scopes...), nil
}

// resolveAccessTokenKey decodes the hex ACCESS_TOKEN_KEY or generates a random
// 32-byte key when it is empty. generated reports the latter.
func resolveAccessTokenKey(hexKey string) (key []byte, generated bool, err error) {
	if hexKey != "" {
		key, err = hex.DecodeString(hexKey)
		if err != nil {
			return nil, false, fmt.Errorf("ACCESS_TOKEN_KEY is not valid hex: %w", err)
		}
		return key, false, nil
	}
	key = make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, false, fmt.Errorf("generate access token key: %w", err)
	}
	return key, true, nil
}
