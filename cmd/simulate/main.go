package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/hackgods/waitlist-fulfillment/internal/api"
	"github.com/hackgods/waitlist-fulfillment/internal/config"
	"github.com/hackgods/waitlist-fulfillment/internal/db"
	"github.com/hackgods/waitlist-fulfillment/internal/logger"
)

type SimConfig struct {
	APIBaseURL  string
	Tenant      string
	Duration    time.Duration
	Workers     int
	MaxMatches  int
	CancelRatio float64
	SlotLimit   int
	PostgresDSN string
}

type slotKey struct {
	ProviderID uuid.UUID
	LocationID uuid.UUID
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, status int) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case status >= 200 && status < 300:
		atomic.AddInt64(&om.Success, 1)
	case status == http.StatusConflict || status == http.StatusTooManyRequests:
		atomic.AddInt64(&om.Conflict, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Percentiles() (p50, p95, p99 time.Duration) {
	om.mu.Lock()
	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	om.mu.Unlock()

	if len(latencies) == 0 {
		return 0, 0, 0
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	at := func(pct int) time.Duration {
		idx := len(latencies) * pct / 100
		if idx >= len(latencies) {
			idx = len(latencies) - 1
		}
		return latencies[idx]
	}
	return at(50), at(95), at(99)
}

type Metrics struct {
	SlotOpening OperationMetrics
	Accept      OperationMetrics
	Cancel      OperationMetrics
	ListHolds   OperationMetrics

	Openings       int64
	HoldsOffered   int64
	SlotsFilled    int64
	DoubleBookings int64
}

type Simulator struct {
	config  SimConfig
	slots   []slotKey
	client  *http.Client
	log     zerolog.Logger
	metrics Metrics
}

func main() {
	baseCfg, err := config.Load()
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("config load error")
	}
	log := logger.New(baseCfg.Env, "simulate")

	cfg := SimConfig{
		APIBaseURL:  getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Tenant:      getEnv("SIM_TENANT", baseCfg.DefaultTenant),
		Duration:    getDuration("SIM_DURATION", 30*time.Second),
		Workers:     getInt("SIM_WORKERS", 8),
		MaxMatches:  getInt("SIM_MAX_MATCHES", 5),
		CancelRatio: getFloat("SIM_CANCEL_RATIO", 0.1),
		SlotLimit:   getInt("SIM_SLOT_LIMIT", 200),
		PostgresDSN: baseCfg.PostgresDSN,
	}
	if cfg.Workers <= 0 || cfg.Duration <= 0 {
		log.Fatal().Msg("SIM_WORKERS and SIM_DURATION must be > 0")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer pgPool.Close()

	slots, err := loadSlotKeys(ctx, pgPool, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("load slot keys")
	}
	log.Info().Int("provider_locations", len(slots)).Msg("loaded")

	sim := &Simulator{
		config: cfg,
		slots:  slots,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
	}
	sim.Run()
	sim.PrintReport()
}

// loadSlotKeys picks provider/location pairs that active entries are waiting on,
// so generated openings have a fair chance of matching someone.
func loadSlotKeys(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) ([]slotKey, error) {
	rows, err := pool.Query(ctx, `
		SELECT DISTINCT provider_id, location_id
		FROM waitlist_entries
		WHERE tenant_id = $1
		  AND status = 'active'
		  AND provider_id IS NOT NULL
		  AND location_id IS NOT NULL
		LIMIT $2
	`, cfg.Tenant, cfg.SlotLimit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []slotKey
	for rows.Next() {
		var k slotKey
		if err := rows.Scan(&k.ProviderID, &k.LocationID); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no active waitlist entries with provider and location for tenant %q", cfg.Tenant)
	}
	return out, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	s.log.Info().Dur("duration", s.config.Duration).Int("workers", s.config.Workers).Msg("starting simulation")

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, rand.New(rand.NewSource(time.Now().UnixNano()+int64(workerID))))
		}(i)
	}
	wg.Wait()

	s.log.Info().Msg("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, rng *rand.Rand) {
	for ctx.Err() == nil {
		key := s.slots[rng.Intn(len(s.slots))]
		day := time.Now().UTC().Truncate(24*time.Hour).AddDate(0, 0, 1+rng.Intn(10))
		start := day.Add(time.Duration(8+rng.Intn(11)) * time.Hour)

		holds := s.openSlot(ctx, key, start, start.Add(30*time.Minute))
		if len(holds) == 0 {
			continue
		}

		if rng.Float64() < s.config.CancelRatio {
			s.cancel(ctx, holds[0].ID)
			holds = holds[1:]
		}
		s.raceAccepts(ctx, holds)

		if len(holds) > 0 {
			s.listHolds(ctx, holds[0].WaitlistID)
		}
	}
}

func (s *Simulator) openSlot(ctx context.Context, key slotKey, start, end time.Time) []api.HoldResponse {
	body, _ := json.Marshal(api.SlotOpeningRequest{
		SlotRequest: api.SlotRequest{
			ProviderID: key.ProviderID.String(),
			LocationID: key.LocationID.String(),
			Start:      start,
			End:        end,
		},
		MaxMatches: s.config.MaxMatches,
	})

	var resp api.SlotOpeningResponse
	status, latency := s.do(ctx, http.MethodPost, "/slot-openings", body, &resp)
	s.metrics.SlotOpening.Record(latency, status)
	atomic.AddInt64(&s.metrics.Openings, 1)

	var holds []api.HoldResponse
	for _, m := range resp.Matches {
		if m.Hold != nil {
			holds = append(holds, *m.Hold)
		}
	}
	atomic.AddInt64(&s.metrics.HoldsOffered, int64(len(holds)))
	return holds
}

// raceAccepts fires every candidate's accept at once. At most one may win.
func (s *Simulator) raceAccepts(ctx context.Context, holds []api.HoldResponse) {
	var (
		wg      sync.WaitGroup
		winners int64
	)
	for _, h := range holds {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			status, latency := s.do(ctx, http.MethodPost, "/holds/"+id.String()+"/accept", nil, nil)
			s.metrics.Accept.Record(latency, status)
			if status == http.StatusOK {
				atomic.AddInt64(&winners, 1)
			}
		}(h.ID)
	}
	wg.Wait()

	if winners > 0 {
		atomic.AddInt64(&s.metrics.SlotsFilled, 1)
	}
	if winners > 1 {
		atomic.AddInt64(&s.metrics.DoubleBookings, winners-1)
		s.log.Error().Int64("winners", winners).Str("slot_start", holds[0].SlotStart.String()).Msg("slot accepted more than once")
	}
}

func (s *Simulator) cancel(ctx context.Context, id uuid.UUID) {
	status, latency := s.do(ctx, http.MethodPost, "/holds/"+id.String()+"/cancel", nil, nil)
	s.metrics.Cancel.Record(latency, status)
}

func (s *Simulator) listHolds(ctx context.Context, waitlistID uuid.UUID) {
	status, latency := s.do(ctx, http.MethodGet, "/holds?waitlist_id="+waitlistID.String(), nil, nil)
	s.metrics.ListHolds.Record(latency, status)
}

// do returns status 0 on transport errors so they land in the error bucket.
func (s *Simulator) do(ctx context.Context, method, path string, body []byte, out any) (int, time.Duration) {
	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, 0
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", s.config.Tenant)

	start := time.Now()
	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return 0, latency
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode == http.StatusOK {
		_ = json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.StatusCode, latency
}

func (s *Simulator) PrintReport() {
	line := strings.Repeat("=", 72)
	fmt.Println("\n" + line)
	fmt.Println("WAITLIST SIMULATION REPORT")
	fmt.Println(line)
	fmt.Printf("Duration: %s  Workers: %d  Tenant: %s\n\n", s.config.Duration, s.config.Workers, s.config.Tenant)

	fmt.Printf("Slot openings:   %d\n", atomic.LoadInt64(&s.metrics.Openings))
	fmt.Printf("Holds offered:   %d\n", atomic.LoadInt64(&s.metrics.HoldsOffered))
	fmt.Printf("Slots filled:    %d\n", atomic.LoadInt64(&s.metrics.SlotsFilled))
	fmt.Printf("Double bookings: %d\n\n", atomic.LoadInt64(&s.metrics.DoubleBookings))

	printOperationReport("Slot opening", &s.metrics.SlotOpening)
	printOperationReport("Accept", &s.metrics.Accept)
	printOperationReport("Cancel", &s.metrics.Cancel)
	printOperationReport("List holds", &s.metrics.ListHolds)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}
	pct := func(n int64) float64 { return float64(n) / float64(total) * 100 }

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)
	p50, p95, p99 := om.Percentiles()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d  Success: %d (%.1f%%)  Conflicts: %d (%.1f%%)  Errors: %d (%.1f%%)\n",
		total, success, pct(success), conflict, pct(conflict), failed, pct(failed))
	fmt.Printf("  Latency: p50=%s p95=%s p99=%s\n\n",
		p50.Round(time.Millisecond), p95.Round(time.Millisecond), p99.Round(time.Millisecond))
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
