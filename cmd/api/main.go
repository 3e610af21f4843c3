package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/BradenHooton/sentinel/internal/auth"
	"github.com/BradenHooton/sentinel/internal/background"
	"github.com/BradenHooton/sentinel/internal/config"
	"github.com/BradenHooton/sentinel/internal/database"
	"github.com/BradenHooton/sentinel/internal/handlers"
	middlewareCustom "github.com/BradenHooton/sentinel/internal/middleware"
	"github.com/BradenHooton/sentinel/internal/models"
	"github.com/BradenHooton/sentinel/internal/obs"
	"github.com/BradenHooton/sentinel/internal/repositories"
	"github.com/BradenHooton/sentinel/internal/routes"
	"github.com/BradenHooton/sentinel/internal/services"
	pkgauth "github.com/BradenHooton/sentinel/pkg/auth"
	pkghttp "github.com/BradenHooton/sentinel/pkg/http"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

// sessionRetention is how long terminated sessions stay listable for audit before deletion.
const sessionRetention = 30 * 24 * time.Hour

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.Server.LogLevel)}))
	slog.SetDefault(logger)
	logger.Info("configuration loaded", slog.String("env", cfg.Server.Env))

	if err := obs.InitSentry(cfg.Observability.SentryDSN, cfg.Server.Env); err != nil {
		logger.Error("failed to initialize sentry", slog.Any("error", err))
	}
	defer obs.FlushSentry()
	if cfg.Observability.MetricsEnabled {
		obs.Init(prometheus.DefaultRegisterer)
	}

	// Initialize database
	db, err := database.NewConnection(&cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	// Redis backs the throttles and, by default, the revocation registry
	rdb, err := database.NewRedisClient(&cfg.Redis, logger)
	if err != nil {
		logger.Error("failed to connect to redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer rdb.Close()

	// Initialize repositories
	userRepo := repositories.NewUserRepository(db)
	sessionRepo := repositories.NewSessionRepository(db)
	refreshRepo := repositories.NewRefreshTokenRepository(db)
	magicLinkRepo := repositories.NewMagicLinkRepository(db)
	enrollmentRepo := repositories.NewMFAEnrollmentRepository(db.Pool)
	attemptRepo := repositories.NewMFAAttemptRepository(db.Pool)
	eventRepo := repositories.NewSecurityEventRepository(db)
	postgresRegistry := repositories.NewPostgresRevocationRegistry(db)

	registry := newRevocationRegistry(cfg, rdb, postgresRegistry)
	logger.Info("revocation registry selected", slog.String("store", cfg.Redis.RevocationStore))

	// Token codec; a missing or short key is fatal
	codec, err := auth.NewTokenCodec(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		logger.Error("failed to initialize token codec", slog.Any("error", err))
		os.Exit(1)
	}

	audit := services.NewAuditService(eventRepo, logger).WithReporter(obs.CaptureError)

	// Lockout guards
	loginGuard := mustGuard(logger, "login", repositories.NewCredentialLockoutStore(db), models.LockoutPolicy{
		MaxAttempts: cfg.Lockout.MaxAttempts,
		Duration:    cfg.Lockout.Duration,
	})
	unknownGuard := mustGuard(logger, "unknown identifier", repositories.NewRedisLockoutStore(rdb, cfg.Redis.KeyPrefix+"lockout:"), models.LockoutPolicy{
		MaxAttempts: cfg.Lockout.MaxAttempts,
		Duration:    cfg.Lockout.Duration,
	})
	magicLinkThrottle := mustGuard(logger, "magic link", repositories.NewRedisLockoutStore(rdb, cfg.Redis.KeyPrefix+"magic:"), models.LockoutPolicy{
		MaxAttempts: cfg.MagicLink.MaxRequests,
		Duration:    cfg.MagicLink.RequestWindow,
	})
	refreshThrottle := mustGuard(logger, "refresh", repositories.NewRedisLockoutStore(rdb, cfg.Redis.KeyPrefix+"throttle:"), models.LockoutPolicy{
		MaxAttempts: cfg.Lockout.RefreshMaxFailures,
		Duration:    cfg.Lockout.RefreshDuration,
	})
	mfaGuard := mustGuard(logger, "mfa", repositories.NewAttemptLogLockoutStore(db), models.LockoutPolicy{
		MaxAttempts: cfg.MFA.MaxAttempts,
		Duration:    cfg.MFA.LockoutDuration,
	})

	// MFA
	encryptionKey := cfg.MFA.EncryptionKey
	if encryptionKey == nil {
		logger.Warn("MFA_ENCRYPTION_KEY not set, using an ephemeral key; enrollments will not survive a restart")
		encryptionKey = make([]byte, 32)
		if _, err := rand.Read(encryptionKey); err != nil {
			logger.Error("failed to generate MFA key", slog.Any("error", err))
			os.Exit(1)
		}
	}
	totpMgr, err := auth.NewTOTPManager(encryptionKey, cfg.MFA.Issuer)
	if err != nil {
		logger.Error("failed to initialize TOTP manager", slog.Any("error", err))
		os.Exit(1)
	}
	mfaService := services.NewMFAService(enrollmentRepo, mfaGuard, totpMgr, audit, logger, services.MFAConfig{
		EnrollmentTTL:   cfg.MFA.EnrollmentTTL,
		BackupCodeCount: cfg.MFA.BackupCodeCount,
	})

	// Magic links
	emailSender, err := newEmailSender(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize email sender", slog.Any("error", err))
		os.Exit(1)
	}
	magicLinkService := services.NewMagicLinkService(magicLinkRepo, userRepo, magicLinkThrottle, emailSender, audit, logger, services.MagicLinkConfig{
		TTL:          cfg.MagicLink.TTL,
		BlockedRoles: cfg.MagicLink.BlockedRoles,
	})

	hasher := pkgauth.NewHasher(pkgauth.DefaultBcryptCost)
	sessionService := services.NewSessionService(services.SessionDeps{
		Users:          userRepo,
		Sessions:       sessionRepo,
		RefreshTokens:  refreshRepo,
		Registry:       registry,
		Codec:          codec,
		Hasher:         hasher,
		Lockout:        loginGuard,
		UnknownLockout: unknownGuard,
		RefreshLockout: refreshThrottle,
		MFA:            mfaService,
		MagicLinks:     magicLinkService,
		Audit:          audit,
		Timing: auth.NewTimingDelay(auth.TimingConfig{
			BaseDelayMs:   cfg.Auth.TimingDelayBaseMs,
			RandomDelayMs: cfg.Auth.TimingDelayRandomMs,
		}),
		Logger: logger,
	}, services.SessionConfig{
		AccessTokenTTL:       cfg.Auth.AccessTokenExpiry,
		RefreshTokenTTL:      cfg.Auth.RefreshTokenExpiry,
		MFATokenTTL:          cfg.Auth.MFATokenExpiry,
		RevocationFailClosed: cfg.Auth.RevocationFailClosed,
	})

	// Bootstrap first admin user if configured
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := ensureAdminUser(ctx, userRepo, hasher, logger); err != nil {
		logger.Error("failed to ensure admin user", slog.Any("error", err))
	}
	cancel()

	// Initialize handlers
	ipConfig := pkghttp.NewIPConfig(cfg.Server.TrustedProxies)
	h := routes.Handlers{
		Auth:      handlers.NewAuthHandler(sessionService, ipConfig, logger),
		MFA:       handlers.NewMFAHandler(mfaService, sessionService, userRepo, ipConfig, logger),
		MagicLink: handlers.NewMagicLinkHandler(magicLinkService, sessionService, ipConfig, logger),
		Audit:     handlers.NewAuditHandler(audit, logger),
		Health: handlers.NewHealthHandler(map[string]handlers.HealthCheck{
			"database": db.HealthCheck,
			"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		}),
	}

	// Setup router
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middlewareCustom.SecurityHeaders(middlewareCustom.SecurityHeadersConfig{Env: cfg.Server.Env}))
	router.Use(middlewareCustom.CORS(middlewareCustom.DefaultCORSConfig(cfg.Server.AllowedOrigins)))
	router.Use(middlewareCustom.SecureLogger(logger, ipConfig))
	if cfg.Observability.MetricsEnabled {
		router.Use(obs.Instrument)
		router.Handle("/metrics", obs.Handler())
	}
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))

	rateLimit := middlewareCustom.DefaultAuthRateLimit(ipConfig)
	if cfg.Server.AuthRequestsPerMinute > 0 {
		rateLimit.RequestsPerMinute = cfg.Server.AuthRequestsPerMinute
	}
	routes.RegisterRoutes(router, h, sessionService, rateLimit)

	// Cleanup of expired rows
	cleanupTasks := []background.CleanupTask{
		{Name: "refresh_tokens", Sweep: refreshRepo.DeleteExpired},
		{Name: "magic_links", Sweep: magicLinkRepo.DeleteExpired},
		{Name: "mfa_pending_enrollments", Sweep: enrollmentRepo.DeleteExpiredPending},
		{Name: "mfa_attempts", Sweep: background.OlderThan(cfg.MFA.AttemptRetention, attemptRepo.DeleteOlderThan)},
		{Name: "expired_sessions", Sweep: sessionRepo.ExpireStale},
		{Name: "terminated_sessions", Sweep: background.OlderThan(sessionRetention, sessionRepo.DeleteTerminatedBefore)},
	}
	if cfg.Redis.RevocationStore == "postgres" {
		cleanupTasks = append(cleanupTasks, background.CleanupTask{Name: "revoked_tokens", Sweep: postgresRegistry.DeleteExpired})
	}
	cleanupManager := background.NewCleanupManager(logger, cfg.Auth.CleanupInterval, cleanupTasks...)

	// Create server
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start cleanup task
	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	defer cleanupCancel()

	go cleanupManager.Start(cleanupCtx)

	// Start server
	go func() {
		logger.Info("starting server", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received")

	cleanupCancel()
	cleanupManager.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("server stopped gracefully")
}

func parseLevel(level string) slog.Level {
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

func mustGuard(logger *slog.Logger, name string, store services.LockoutStore, policy models.LockoutPolicy) *services.LockoutGuard {
	guard, err := services.NewLockoutGuard(store, policy)
	if err != nil {
		logger.Error("invalid lockout policy", slog.String("guard", name), slog.Any("error", err))
		os.Exit(1)
	}
	return guard
}

// newRevocationRegistry picks the registry backend named by REVOCATION_STORE.
func newRevocationRegistry(cfg *config.Config, rdb *redis.Client, pg *repositories.PostgresRevocationRegistry) services.RevocationRegistry {
	if cfg.Redis.RevocationStore == "postgres" {
		return pg
	}
	return repositories.NewRedisRevocationRegistry(rdb, cfg.Redis.KeyPrefix+"revoked:")
}

func newEmailSender(cfg *config.Config, logger *slog.Logger) (services.EmailSender, error) {
	switch cfg.Email.Provider {
	case "ses":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return services.NewSESEmailSender(ctx, cfg.Email.AWSRegion, cfg.Email.FromAddress, cfg.MagicLink.RedeemURLBase, cfg.Email.SendRatePerS, logger)
	case "log", "":
		return services.NewLogEmailSender(logger), nil
	default:
		return nil, fmt.Errorf("unknown EMAIL_PROVIDER %q", cfg.Email.Provider)
	}
}

// ensureAdminUser creates the first admin user if ADMIN_EMAIL and ADMIN_PASSWORD are set
func ensureAdminUser(ctx context.Context, userRepo *repositories.UserRepository, hasher *pkgauth.Hasher, logger *slog.Logger) error {
	adminEmail := strings.ToLower(strings.TrimSpace(os.Getenv("ADMIN_EMAIL")))
	adminPassword := os.Getenv("ADMIN_PASSWORD")

	if adminEmail == "" || adminPassword == "" {
		logger.Info("no ADMIN_EMAIL or ADMIN_PASSWORD set, skipping admin user creation")
		return nil
	}

	_, err := userRepo.GetByEmail(ctx, adminEmail)
	if err == nil {
		logger.Info("admin user already exists")
		return nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("failed to check if admin exists: %w", err)
	}

	if err := pkgauth.ValidatePassword(adminPassword); err != nil {
		return fmt.Errorf("ADMIN_PASSWORD rejected: %w", err)
	}
	hashedPassword, err := hasher.Hash(adminPassword)
	if err != nil {
		return fmt.Errorf("failed to hash admin password: %w", err)
	}

	now := time.Now()
	if _, err := userRepo.Create(ctx, &models.User{
		Email:             adminEmail,
		PasswordHash:      hashedPassword,
		Name:              "Admin",
		Role:              models.RoleAdmin,
		PasswordChangedAt: &now,
	}); err != nil {
		return fmt.Errorf("failed to create admin user: %w", err)
	}

	logger.Info("admin user created successfully")
	return nil
}
