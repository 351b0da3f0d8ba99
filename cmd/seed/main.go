package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiwari-pos/till/internal/auth"
	"github.com/kiwari-pos/till/internal/config"
	"github.com/kiwari-pos/till/internal/database"
	"github.com/kiwari-pos/till/internal/enum"
	"github.com/kiwari-pos/till/internal/logger"
	"github.com/kiwari-pos/till/internal/service"
)

func main() {
	// CLI flags
	pin := flag.String("pin", "", "Manager PIN to hash for MANAGER_PIN_HASH")
	role := flag.String("role", enum.RoleCashier, "Role of the dev session token to issue")
	ttl := flag.Duration("ttl", 12*time.Hour, "Lifetime of the dev session token")
	skipSlots := flag.Bool("skip-slots", false, "Do not create the slot layout")
	flag.Parse()

	// Fall back to environment variables
	if *pin == "" {
		*pin = os.Getenv("SEED_MANAGER_PIN")
	}

	log := logger.For("seed")

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("load config")
	}

	if *pin != "" {
		hash, err := auth.HashPIN(*pin)
		if err != nil {
			log.WithError(err).Fatal("hash manager pin")
		}
		fmt.Printf("MANAGER_PIN_HASH=%s\n", hash)
	}

	if !*skipSlots {
		if err := seedSlots(cfg); err != nil {
			log.WithError(err).Fatal("seed slots")
		}
	}

	token, err := auth.GenerateToken(cfg.JWTSecret, auth.Session{
		UserID:        uuid.New(),
		BranchID:      cfg.BranchID,
		POSID:         cfg.PosID,
		TillSessionID: "dev-" + time.Now().Format("20060102"),
		Role:          *role,
	}, *ttl)
	if err != nil {
		log.WithError(err).Fatal("issue dev token")
	}
	fmt.Printf("TOKEN=%s\n", token)
}

// seedSlots migrates the schema and creates the configured slot layout.
// Existing slots are left as they are.
func seedSlots(cfg *config.Config) error {
	log := logger.For("seed")

	if err := database.Migrate(cfg.DatabaseURL); err != nil {
		return err
	}

	// Connect to database
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	// Seed in a transaction (the whole layout or nothing)
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := createLayout(ctx, tx, service.Layout(cfg.DineInSlots, cfg.TakeawaySlots, cfg.DeliverySlots)); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	log.WithField("branch", cfg.BranchID).Info("slot layout seeded")
	return nil
}

func createLayout(ctx context.Context, tx pgx.Tx, layout []database.CreateSlotParams) error {
	q := database.New(tx)
	for _, p := range layout {
		if err := q.CreateSlot(ctx, p); err != nil {
			return fmt.Errorf("create slot %s: %w", p.ID, err)
		}
	}
	return nil
}
