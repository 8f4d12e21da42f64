package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"guild-ledger/handlers"
	"guild-ledger/middleware"
	"guild-ledger/models"
	"guild-ledger/services"
	"guild-ledger/utils"
	"guild-ledger/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  No .env file found, reading environment variables directly")
	}

	serviceToken := os.Getenv("GAME_SERVICE_TOKEN")
	if serviceToken == "" {
		log.Fatal("GAME_SERVICE_TOKEN environment variable not set")
	}
	listenAddr := envString("LISTEN_ADDR", ":5200")
	maxActive := envInt("MAX_ACTIVE_REQUESTS", services.DefaultMaxActiveRequests)
	historyLimit := envInt("HISTORY_LIMIT", services.DefaultHistoryLimit)
	retention := envDuration("COMPLETED_RETENTION", services.DefaultCompletedRetention)
	backupInterval := envDuration("BACKUP_INTERVAL", 6*time.Hour)

	store, err := openStore(os.Getenv("DATABASE_URL"))
	if err != nil {
		log.Fatal("failed to open store:", err)
	}

	locks := services.NewGuildLocks()
	defense := services.NewDefenseLedger(store, locks, maxActive)
	push := services.NewPushLedger(store, locks, maxActive)
	history := services.NewHistoryService(store, locks, historyLimit, defense, push)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sched, err := services.StartMaintenanceScheduler(store, retention)
	if err != nil {
		log.Fatal("failed to start maintenance scheduler:", err)
	}
	defer func() { _ = sched.Shutdown() }()

	if utils.R2Configured() {
		if err := utils.InitR2(ctx); err != nil {
			log.Fatal("failed to initialize R2 client:", err)
		}
		backups := workers.NewLedgerBackupWorker(store, history, utils.UploadBytesToR2, backupInterval, defense, push)
		backups.Start(ctx)
	} else {
		log.Println("⚠️  R2 not configured, ledger backups disabled")
	}

	app := fiber.New()
	app.Use(recover.New())
	app.Use(middleware.GatewayAuthMiddleware(serviceToken))

	handlers.SetupLedgerRoutes(app, handlers.Ledgers{
		models.LedgerDefense: defense,
		models.LedgerPush:    push,
	}, history)
	handlers.SetupHistoryRoutes(app, history)

	go func() {
		if err := app.Listen(listenAddr); err != nil {
			log.Printf("Server error: %v", err)
		}
	}()

	log.Printf("✅ Server running on %s", listenAddr)
	log.Printf("✅ Ledger capacity %d, history limit %d, completed retention %s", maxActive, historyLimit, retention)

	<-ctx.Done()
	log.Println("Shutting down server...")
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
}

// openStore picks the backend from DATABASE_URL: "memory", "sqlite:<path>" or a postgres DSN.
func openStore(dsn string) (services.Store, error) {
	var dialector gorm.Dialector
	switch {
	case dsn == "":
		return nil, errors.New("DATABASE_URL environment variable not set")
	case dsn == "memory":
		log.Println("⚠️  DATABASE_URL=memory, ledgers will not survive a restart")
		return services.NewMemoryStore(), nil
	case strings.HasPrefix(dsn, "sqlite:"):
		dialector = sqlite.Open(strings.TrimPrefix(dsn, "sqlite:"))
	default:
		dialector = postgres.Open(dsn)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, err
	}
	store := services.NewGormStore(db)
	if err := store.AutoMigrate(); err != nil {
		return nil, err
	}
	return store, nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Printf("⚠️  %s=%q is not a positive integer, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		log.Printf("⚠️  %s=%q is not a valid duration, using %s", key, v, fallback)
		return fallback
	}
	return d
}
