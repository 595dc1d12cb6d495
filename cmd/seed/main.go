package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/hackgods/waitlist-fulfillment/internal/config"
	"github.com/hackgods/waitlist-fulfillment/internal/db"
	"github.com/hackgods/waitlist-fulfillment/internal/logger"
)

type seedConfig struct {
	Tenant     string
	Clinicians int
	Locations  int
	Patients   int
	Entries    int
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		zerolog.New(os.Stderr).Fatal().Err(err).Msg("config load error")
	}
	log := logger.New(cfg.Env, "seed")

	sc := seedConfig{
		Tenant:     getEnv("SEED_TENANT", cfg.DefaultTenant),
		Clinicians: getInt("SEED_CLINICIANS", 20),
		Locations:  getInt("SEED_LOCATIONS", 3),
		Patients:   getInt("SEED_PATIENTS", 2000),
		Entries:    getInt("SEED_WAITLIST_ENTRIES", 1500),
	}
	log.Info().Interface("seed", sc).Msg("seed starting")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	if _, err := db.Migrate(ctx, pool); err != nil {
		log.Fatal().Err(err).Msg("migrate")
	}

	gofakeit.Seed(0)

	clinicians, err := seedClinicians(ctx, pool, sc.Tenant, sc.Clinicians)
	if err != nil {
		log.Fatal().Err(err).Msg("seed clinicians")
	}
	log.Info().Int("count", len(clinicians)).Msg("clinicians seeded")

	patients, err := seedPatients(ctx, log, pool, sc.Tenant, sc.Patients)
	if err != nil {
		log.Fatal().Err(err).Msg("seed patients")
	}

	locations := make([]uuid.UUID, sc.Locations)
	for i := range locations {
		locations[i] = uuid.New()
	}

	n, err := seedWaitlist(ctx, pool, sc.Tenant, patients, clinicians, locations, sc.Entries)
	if err != nil {
		log.Fatal().Err(err).Msg("seed waitlist entries")
	}
	log.Info().Int64("count", n).Msg("waitlist entries seeded")

	for _, id := range locations {
		log.Info().Str("location_id", id.String()).Msg("location")
	}
	log.Info().Msg("seed complete")
}

func seedClinicians(ctx context.Context, pool *pgxpool.Pool, tenant string, count int) ([]uuid.UUID, error) {
	specialties := []string{
		"Dermatology",
		"Cardiology",
		"General Practice",
		"Orthopedics",
		"Endocrinology",
		"Neurology",
		"Pediatrics",
		"Psychiatry",
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	ids := make([]uuid.UUID, 0, count)
	for i := 0; i < count; i++ {
		id := uuid.New()
		_, err := tx.Exec(ctx, `
			INSERT INTO clinicians (id, tenant_id, name, specialty)
			VALUES ($1, $2, $3, $4)
		`, id, tenant, "Dr. "+gofakeit.LastName(), specialties[gofakeit.Number(0, len(specialties)-1)])
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	return ids, tx.Commit(ctx)
}

func seedPatients(ctx context.Context, log zerolog.Logger, pool *pgxpool.Pool, tenant string, count int) ([]uuid.UUID, error) {
	const batchSize = 500
	methods := []string{"sms", "sms", "email", "portal"}

	ids := make([]uuid.UUID, 0, count)
	for offset := 0; offset < count; offset += batchSize {
		end := min(offset+batchSize, count)

		batch := &pgx.Batch{}
		for i := offset; i < end; i++ {
			id := uuid.New()
			phone := fmt.Sprintf("+1%s", gofakeit.Phone())
			batch.Queue(`
				INSERT INTO patients (id, tenant_id, name, email, phone, preferred_contact_method)
				VALUES ($1, $2, $3, $4, $5, $6)
			`, id, tenant, gofakeit.Name(), gofakeit.Email(), phone, methods[gofakeit.Number(0, len(methods)-1)])
			ids = append(ids, id)
		}

		if err := pool.SendBatch(ctx, batch).Close(); err != nil {
			return nil, err
		}
		log.Info().Int("seeded", end).Int("total", count).Msg("patients progress")
	}

	return ids, nil
}

// seedWaitlist spreads entries over every priority and time-of-day bucket.
// About a third leave the provider open so they match any clinician.
func seedWaitlist(ctx context.Context, pool *pgxpool.Pool, tenant string, patients, clinicians, locations []uuid.UUID, count int) (int64, error) {
	priorities := []string{"low", "normal", "normal", "high", "urgent"}
	buckets := []string{"morning", "afternoon", "evening", "any", "any"}
	reasons := []string{"follow-up", "new symptoms", "medication review", "annual check", "lab results"}
	today := time.Now().UTC().Truncate(24 * time.Hour)

	rows := make([][]any, 0, count)
	for i := 0; i < count; i++ {
		var provider, location *uuid.UUID
		if gofakeit.Number(0, 2) > 0 {
			p := clinicians[gofakeit.Number(0, len(clinicians)-1)]
			provider = &p
		}
		if len(locations) > 0 && gofakeit.Number(0, 1) == 1 {
			l := locations[gofakeit.Number(0, len(locations)-1)]
			location = &l
		}

		var days []int16
		if gofakeit.Number(0, 3) == 0 {
			days = []int16{1, 3, 5}
		} else {
			days = []int16{}
		}

		start := today.AddDate(0, 0, gofakeit.Number(0, 3))
		rows = append(rows, []any{
			uuid.New(),
			tenant,
			patients[gofakeit.Number(0, len(patients)-1)],
			provider,
			location,
			reasons[gofakeit.Number(0, len(reasons)-1)],
			priorities[gofakeit.Number(0, len(priorities)-1)],
			start,
			start.AddDate(0, 0, gofakeit.Number(7, 45)),
			buckets[gofakeit.Number(0, len(buckets)-1)],
			days,
			time.Now().Add(-time.Duration(gofakeit.Number(1, 720)) * time.Hour),
		})
	}

	return pool.CopyFrom(ctx,
		pgx.Identifier{"waitlist_entries"},
		[]string{
			"id", "tenant_id", "patient_id", "provider_id", "location_id", "reason", "priority",
			"preferred_start_date", "preferred_end_date", "preferred_time_of_day", "preferred_days", "created_at",
		},
		pgx.CopyFromRows(rows),
	)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
