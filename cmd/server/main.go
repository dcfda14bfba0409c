package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pharmapos/internal/archive"
	"pharmapos/internal/cache"
	"pharmapos/internal/config"
	"pharmapos/internal/httpapi"
	"pharmapos/internal/metrics"
	"pharmapos/internal/qrpay"
	"pharmapos/internal/service"
	"pharmapos/internal/store"
	"pharmapos/internal/store/memory"
	pgstore "pharmapos/internal/store/postgres"
)

func main() {
	cfg := config.Load()
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("invalid security configuration: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("postgres unavailable (%v) and DATABASE_URL is set; refusing to start with in-memory fallback", err)
		}
		if err := pg.Migrate(ctx); err != nil {
			log.Fatalf("postgres migration failed: %v", err)
		}
		repo = pg
		closers = append(closers, pg.Close)
		log.Println("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		log.Println("repository: in-memory")
	}

	stockCache := cache.StockCache(cache.NoopStockCache{})
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisStockCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			log.Printf("redis unavailable (%v), stock lookups go straight to the repository", err)
		} else {
			stockCache = redisCache
			closers = append(closers, redisCache.Close)
			log.Println("stock cache: redis")
		}
	} else {
		log.Println("stock cache: noop")
	}

	var provider qrpay.Provider = qrpay.Sandbox{}
	if cfg.QRProviderURL != "" {
		provider = qrpay.NewHTTPProvider(cfg.QRProviderURL, cfg.QRProviderAPIKey, cfg.QRProviderRatePerSecond)
		log.Printf("qr provider: %s", cfg.QRProviderURL)
	} else {
		log.Println("qr provider: sandbox")
	}

	var archiver archive.Archiver = archive.Noop{}
	if cfg.ArchiveBucket != "" {
		s3Archiver, err := archive.NewS3Archiver(ctx, archive.S3Config{
			Bucket:    cfg.ArchiveBucket,
			Region:    cfg.ArchiveRegion,
			Endpoint:  cfg.ArchiveEndpoint,
			Prefix:    cfg.ArchivePrefix,
			PathStyle: cfg.ArchiveEndpoint != "",
		})
		if err != nil {
			log.Printf("close report archive unavailable (%v), reports stay in the audit log only", err)
		} else {
			archiver = s3Archiver
			log.Printf("close report archive: s3://%s/%s", cfg.ArchiveBucket, cfg.ArchivePrefix)
		}
	}

	recorder := metrics.New()
	svc := service.New(repo, service.Dependencies{
		StockCache:      stockCache,
		StockCacheTTL:   cfg.StockCacheTTL,
		QRProvider:      provider,
		Archiver:        archiver,
		Metrics:         recorder,
		QRWebhookSecret: cfg.QRWebhookSecret,
	}, cfg.DefaultPharmacyID)

	authCtx, stopAuth := context.WithCancel(context.Background())
	defer stopAuth()
	auth := httpapi.NewAuthManager(authCtx, cfg.AuthSecret, cfg.AccessTokenTTL, cfg.ManagerPIN, repo)
	api := httpapi.New(svc, auth, recorder, cfg.AllowedOrigin)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("pharmacy backend listening on %s", cfg.Address())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Printf("close error: %v", err)
		}
	}

	log.Println("server stopped")
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if len(cfg.ManagerPIN) < 6 {
		return fmt.Errorf("MANAGER_PIN must be set and at least 6 digits")
	}
	if err := validatePINStrength(cfg.ManagerPIN); err != nil {
		return fmt.Errorf("MANAGER_PIN is too weak: %w", err)
	}
	if cfg.QRProviderURL != "" && len(cfg.QRWebhookSecret) < 16 {
		return fmt.Errorf("QR_WEBHOOK_SECRET must be at least 16 characters when QR_PROVIDER_URL is set")
	}
	return nil
}

// validatePINStrength rejects repeated, sequential and commonly guessed PINs.
func validatePINStrength(pin string) error {
	for _, c := range pin {
		if c < '0' || c > '9' {
			return fmt.Errorf("PIN must be digits only")
		}
	}

	weak := map[string]bool{
		"121212": true, "112233": true, "123123": true, "696969": true, "159753": true,
	}
	if weak[pin] {
		return fmt.Errorf("common PIN not allowed")
	}

	repeated := true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			repeated = false
			break
		}
	}
	if repeated {
		return fmt.Errorf("all-same-digit PIN not allowed")
	}

	ascending, descending := true, true
	for i := 1; i < len(pin); i++ {
		switch int(pin[i]) - int(pin[i-1]) {
		case 1:
			descending = false
		case -1:
			ascending = false
		default:
			ascending, descending = false, false
		}
	}
	if ascending || descending {
		return fmt.Errorf("sequential PIN not allowed")
	}
	return nil
}
