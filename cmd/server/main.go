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

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/dannyaudian/IMOGI-POS-sub004/internal/branch"
	"github.com/dannyaudian/IMOGI-POS-sub004/internal/cart"
	"github.com/dannyaudian/IMOGI-POS-sub004/internal/catalog"
	"github.com/dannyaudian/IMOGI-POS-sub004/internal/config"
	"github.com/dannyaudian/IMOGI-POS-sub004/internal/erp"
	"github.com/dannyaudian/IMOGI-POS-sub004/internal/httpapi"
	"github.com/dannyaudian/IMOGI-POS-sub004/internal/realtime"
	"github.com/dannyaudian/IMOGI-POS-sub004/internal/session"
	"github.com/dannyaudian/IMOGI-POS-sub004/internal/store"
	"github.com/dannyaudian/IMOGI-POS-sub004/internal/store/memory"
	pgstore "github.com/dannyaudian/IMOGI-POS-sub004/internal/store/postgres"
)

func main() {
	// Local development convenience; production sets real env vars.
	_ = godotenv.Load()

	cfg := config.Load()
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("postgres unavailable (%v) and DATABASE_URL is set; refusing to start with in-memory fallback", err)
		}
		repo = pg
		closers = append(closers, pg.Close)
		log.Println("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		log.Println("repository: in-memory")
	}

	var bus realtime.Bus = realtime.NewMemoryBus()
	if cfg.RedisAddr != "" {
		redisBus := realtime.NewRedisBus(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisBus.Ping(ctx); err != nil {
			log.Printf("redis unavailable (%v), realtime events stay process-local", err)
		} else {
			bus = redisBus
			closers = append(closers, redisBus.Close)
			log.Println("realtime bus: redis")
		}
	} else {
		log.Println("realtime bus: in-memory")
	}

	gateway := erp.NewClient(cfg.ERPBaseURL, cfg.ERPAPIKey, cfg.ERPAPISecret)

	branches, err := branch.NewManager(ctx, repo, bus, cfg.DefaultBranch)
	if err != nil {
		log.Fatalf("branch manager: %v", err)
	}

	cat := catalog.NewService(gateway, branches.Current(), cfg.DefaultPriceList)
	if err := cat.Load(ctx); err != nil {
		log.Fatalf("catalog load: %v", err)
	}

	sessions := session.NewManager(repo, gateway, cat, cart.NewSelectionMemory(repo), bus, session.Config{
		TaxRate:        decimal.NewFromFloat(cfg.TaxRatePercent).Div(decimal.NewFromInt(100)),
		PaymentTimeout: time.Duration(cfg.PaymentTimeoutSeconds) * time.Second,
	})

	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()
	go func() {
		if err := branches.Run(runCtx); err != nil && runCtx.Err() == nil {
			log.Printf("branch event loop stopped: %v", err)
		}
	}()
	go func() {
		if err := sessions.Run(runCtx); err != nil && runCtx.Err() == nil {
			log.Printf("session event loop stopped: %v", err)
		}
	}()

	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, cfg.SupervisorPIN, repo)
	api := httpapi.New(sessions, cat, branches, repo, auth, cfg.AllowedOrigin)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("POS front-end core listening on %s", cfg.Address())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	stopRun()

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
	if len(cfg.SupervisorPIN) < 6 {
		return fmt.Errorf("SUPERVISOR_PIN must be set and at least 6 digits")
	}
	if err := validatePINStrength(cfg.SupervisorPIN); err != nil {
		return fmt.Errorf("SUPERVISOR_PIN is too weak: %w", err)
	}
	if cfg.ERPBaseURL == "" {
		return fmt.Errorf("ERP_BASE_URL must be set")
	}
	return nil
}

// validatePINStrength rejects PINs that are all the same digit,
// sequential (ascending or descending), or from a known-weak list.
func validatePINStrength(pin string) error {
	known := map[string]bool{
		"123456": true, "654321": true, "000000": true, "111111": true,
		"222222": true, "333333": true, "444444": true, "555555": true,
		"666666": true, "777777": true, "888888": true, "999999": true,
		"121212": true, "112233": true, "123123": true,
	}
	if known[pin] {
		return fmt.Errorf("common PIN not allowed")
	}

	allSame := true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("all-same-digit PIN not allowed")
	}

	ascending, descending := true, true
	for i := 1; i < len(pin); i++ {
		diff := int(pin[i]) - int(pin[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	if ascending || descending {
		return fmt.Errorf("sequential PIN not allowed")
	}

	return nil
}
