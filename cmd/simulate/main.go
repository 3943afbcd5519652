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

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Sudo-psc/saraiva-vision-scheduling/internal/civiltime"
	"github.com/Sudo-psc/saraiva-vision-scheduling/internal/clinic"
	"github.com/Sudo-psc/saraiva-vision-scheduling/internal/config"
	"github.com/Sudo-psc/saraiva-vision-scheduling/internal/logging"
)

// SimConfig drives a load run against a live api-server. Bookings are
// concentrated on the first HotSlots free slots of each professional and the
// report checks that no slot was booked twice.
type SimConfig struct {
	APIBaseURL   string
	Duration     time.Duration
	Workers      int
	Patients     int
	Days         int
	HotSlots     int
	BookingRatio float64
	ConfirmRatio float64
	CancelRatio  float64
	ClinicPath   string
}

type slotRef struct {
	ProfessionalID uuid.UUID `json:"professional_id"`
	Start          time.Time `json:"start"`
	End            time.Time `json:"end"`
}

func (s slotRef) key() string {
	return s.ProfessionalID.String() + "@" + s.Start.UTC().Format(time.RFC3339)
}

// DataPool holds the ids created during the run.
type DataPool struct {
	Patients []uuid.UUID
	Slots    []slotRef

	mu           sync.RWMutex
	appointments []uuid.UUID
	live         map[uuid.UUID]slotRef
	booked       map[string]int
}

func (dp *DataPool) recordBooking(id uuid.UUID, slot slotRef) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, id)
	dp.live[id] = slot
	dp.booked[slot.key()]++
}

// recordCancel releases the slot once; cancel is idempotent on the server.
func (dp *DataPool) recordCancel(id uuid.UUID) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if slot, ok := dp.live[id]; ok {
		delete(dp.live, id)
		dp.booked[slot.key()]--
	}
}

func (dp *DataPool) randomAppointment(rng *rand.Rand) (uuid.UUID, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.appointments) == 0 {
		return uuid.Nil, false
	}
	return dp.appointments[rng.Intn(len(dp.appointments))], true
}

// doubleBooked returns the slots that more than one live reservation claims.
func (dp *DataPool) doubleBooked() []string {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	var out []string
	for k, n := range dp.booked {
		if n > 1 {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	mu        sync.Mutex
	latencies []time.Duration
}

func (om *OperationMetrics) Record(latency time.Duration, status int, err error) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case err == nil && status < 300:
		atomic.AddInt64(&om.Success, 1)
	case err == nil && status == http.StatusConflict:
		atomic.AddInt64(&om.Conflict, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.latencies = append(om.latencies, latency)
	om.mu.Unlock()
}

// Percentile returns the latency below which p percent of calls finished.
func (om *OperationMetrics) Percentile(p int) time.Duration {
	om.mu.Lock()
	defer om.mu.Unlock()
	if len(om.latencies) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), om.latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := len(sorted) * p / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

type Metrics struct {
	Booking OperationMetrics
	Confirm OperationMetrics
	Cancel  OperationMetrics
	Read    OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	logger  zerolog.Logger
	metrics Metrics
}

func main() {
	base, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(base.LogLevel, base.Env, "simulate")

	cfg, err := loadConfig(base)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}
	logger.Info().
		Dur("duration", cfg.Duration).
		Int("workers", cfg.Workers).
		Int("hot_slots", cfg.HotSlots).
		Msg("simulator starting")

	sim := &Simulator{
		config: cfg,
		pool:   &DataPool{live: make(map[uuid.UUID]slotRef), booked: make(map[string]int)},
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}

	ctx := context.Background()
	if err := sim.Prepare(ctx); err != nil {
		logger.Fatal().Err(err).Msg("prepare data")
	}
	logger.Info().Int("patients", len(sim.pool.Patients)).Int("slots", len(sim.pool.Slots)).Msg("data ready")

	if err := sim.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("simulation failed")
	}
	if !sim.PrintReport() {
		os.Exit(1)
	}
}

func loadConfig(base config.Config) (SimConfig, error) {
	cfg := SimConfig{
		APIBaseURL:   strings.TrimRight(getEnv("SIM_API_BASE_URL", "http://localhost:"+base.HTTPPort), "/"),
		Duration:     getDuration("SIM_DURATION", 30*time.Second),
		Workers:      getInt("SIM_WORKERS", 20),
		Patients:     getInt("SIM_PATIENTS", 50),
		Days:         getInt("SIM_DAYS", 3),
		HotSlots:     getInt("SIM_HOT_SLOTS", 10),
		BookingRatio: getFloat("SIM_BOOKING_RATIO", 0.6),
		ConfirmRatio: getFloat("SIM_CONFIRM_RATIO", 0.15),
		CancelRatio:  getFloat("SIM_CANCEL_RATIO", 0.05),
		ClinicPath:   base.ClinicConfigPath,
	}
	if cfg.Workers <= 0 || cfg.Duration <= 0 || cfg.Patients <= 0 || cfg.HotSlots <= 0 {
		return SimConfig{}, fmt.Errorf("SIM_WORKERS, SIM_DURATION, SIM_PATIENTS and SIM_HOT_SLOTS must be > 0")
	}
	return cfg, nil
}

// Prepare registers patients and collects the first free slots of every
// professional over the next few days.
func (s *Simulator) Prepare(ctx context.Context) error {
	schedule, err := clinic.Load(s.config.ClinicPath)
	if err != nil {
		return err
	}

	faker := gofakeit.New(0)
	for i := 0; i < s.config.Patients; i++ {
		var out struct {
			ID uuid.UUID `json:"id"`
		}
		body := map[string]string{
			"name":  faker.Name(),
			"phone": fmt.Sprintf("(11) 9%04d-%04d", faker.Number(6000, 9999), faker.Number(0, 9999)),
		}
		status, err := s.call(ctx, http.MethodPost, "/v1/patients", body, &out)
		if err != nil {
			return fmt.Errorf("register patient: %w", err)
		}
		if status != http.StatusCreated {
			return fmt.Errorf("register patient: status %d", status)
		}
		s.pool.Patients = append(s.pool.Patients, out.ID)
	}

	from := civiltime.DateOf(time.Now())
	to := from.AddDays(s.config.Days)
	for _, p := range schedule.List() {
		var out struct {
			Slots []slotRef `json:"slots"`
		}
		path := fmt.Sprintf("/v1/professionals/%s/slots?from=%s&to=%s", p.ID, from, to)
		status, err := s.call(ctx, http.MethodGet, path, nil, &out)
		if err != nil {
			return fmt.Errorf("list slots for %s: %w", p.Name, err)
		}
		if status != http.StatusOK {
			return fmt.Errorf("list slots for %s: status %d", p.Name, status)
		}
		n := min(s.config.HotSlots, len(out.Slots))
		s.pool.Slots = append(s.pool.Slots, out.Slots[:n]...)
	}
	if len(s.pool.Slots) == 0 {
		return fmt.Errorf("no free slots in the next %d days", s.config.Days)
	}
	return nil
}

func (s *Simulator) Run(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.Duration)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.config.Workers; i++ {
		seed := time.Now().UnixNano() + int64(i)
		g.Go(func() error {
			s.worker(gctx, rand.New(rand.NewSource(seed)))
			return nil
		})
	}
	err := g.Wait()
	s.logger.Info().Msg("simulation complete")
	return err
}

func (s *Simulator) worker(ctx context.Context, rng *rand.Rand) {
	for ctx.Err() == nil {
		r := rng.Float64()
		switch {
		case r < s.config.BookingRatio:
			s.doBooking(ctx, rng)
		case r < s.config.BookingRatio+s.config.ConfirmRatio:
			s.doTransition(ctx, rng, "confirm", &s.metrics.Confirm)
		case r < s.config.BookingRatio+s.config.ConfirmRatio+s.config.CancelRatio:
			s.doCancel(ctx, rng)
		default:
			s.doRead(ctx, rng)
		}
	}
}

func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand) {
	slot := s.pool.Slots[rng.Intn(len(s.pool.Slots))]
	patient := s.pool.Patients[rng.Intn(len(s.pool.Patients))]

	var out struct {
		ID uuid.UUID `json:"id"`
	}
	body := map[string]any{
		"professional_id": slot.ProfessionalID,
		"patient_id":      patient,
		"start":           slot.Start,
		"end":             slot.End,
	}
	start := time.Now()
	status, err := s.call(ctx, http.MethodPost, "/v1/appointments", body, &out)
	if ctx.Err() != nil {
		return
	}
	s.metrics.Booking.Record(time.Since(start), status, err)
	if err == nil && status == http.StatusCreated {
		s.pool.recordBooking(out.ID, slot)
	}
}

func (s *Simulator) doTransition(ctx context.Context, rng *rand.Rand, action string, om *OperationMetrics) {
	id, ok := s.pool.randomAppointment(rng)
	if !ok {
		return
	}
	start := time.Now()
	status, err := s.call(ctx, http.MethodPost, fmt.Sprintf("/v1/appointments/%s/%s", id, action), nil, nil)
	if ctx.Err() != nil {
		return
	}
	om.Record(time.Since(start), status, err)
}

func (s *Simulator) doCancel(ctx context.Context, rng *rand.Rand) {
	id, ok := s.pool.randomAppointment(rng)
	if !ok {
		return
	}
	start := time.Now()
	status, err := s.call(ctx, http.MethodPost, fmt.Sprintf("/v1/appointments/%s/cancel", id),
		map[string]string{"reason": "simulated"}, nil)
	if ctx.Err() != nil {
		return
	}
	s.metrics.Cancel.Record(time.Since(start), status, err)
	if err == nil && status == http.StatusOK {
		s.pool.recordCancel(id)
	}
}

func (s *Simulator) doRead(ctx context.Context, rng *rand.Rand) {
	path := fmt.Sprintf("/v1/patients/%s/appointments?limit=20", s.pool.Patients[rng.Intn(len(s.pool.Patients))])
	if id, ok := s.pool.randomAppointment(rng); ok && rng.Intn(2) == 0 {
		path = "/v1/appointments/" + id.String()
	}
	start := time.Now()
	status, err := s.call(ctx, http.MethodGet, path, nil, nil)
	if ctx.Err() != nil {
		return
	}
	s.metrics.Read.Record(time.Since(start), status, err)
}

// call sends body as JSON and decodes a 2xx response into out. Non-2xx
// statuses are returned without an error so callers can classify them.
func (s *Simulator) call(ctx context.Context, method, path string, body, out any) (int, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, &buf)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 || out == nil {
		return resp.StatusCode, nil
	}
	return resp.StatusCode, json.NewDecoder(resp.Body).Decode(out)
}

// PrintReport writes the per-operation summary and reports whether the run
// kept every slot to at most one live booking.
func (s *Simulator) PrintReport() bool {
	fmt.Println("\n" + strings.Repeat("=", 72))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 72))
	fmt.Printf("Duration: %s  Workers: %d  Contended slots: %d\n\n", s.config.Duration, s.config.Workers, len(s.pool.Slots))

	printOperationReport("Booking", &s.metrics.Booking)
	printOperationReport("Confirm", &s.metrics.Confirm)
	printOperationReport("Cancel", &s.metrics.Cancel)
	printOperationReport("Read", &s.metrics.Read)

	dup := s.pool.doubleBooked()
	if len(dup) == 0 {
		fmt.Println("Double bookings: none")
		return true
	}
	fmt.Printf("Double bookings: %d\n", len(dup))
	for _, k := range dup {
		fmt.Printf("  %s\n", k)
	}
	return false
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}
	pct := func(n int64) float64 { return float64(n) / float64(total) * 100 }

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d  Success: %.1f%%  Conflict: %.1f%%  Error: %.1f%%\n",
		total, pct(atomic.LoadInt64(&om.Success)), pct(atomic.LoadInt64(&om.Conflict)), pct(atomic.LoadInt64(&om.Error)))
	fmt.Printf("  Latency: p50=%s p95=%s p99=%s\n\n",
		om.Percentile(50).Round(time.Millisecond),
		om.Percentile(95).Round(time.Millisecond),
		om.Percentile(99).Round(time.Millisecond))
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return def
}

func getInt(key string, def int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if f, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return f
	}
	return def
}
