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
	"github.com/rs/zerolog"

	"github.com/anouar4070/MediTime-2/internal/auth"
	"github.com/anouar4070/MediTime-2/internal/config"
	"github.com/anouar4070/MediTime-2/internal/logging"
)

type SimConfig struct {
	APIBaseURL  string
	Duration    time.Duration
	Workers     int
	Patients    int
	Days        int
	CancelRatio float64
	ReadRatio   float64
	JWTSecret   string
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	if success {
		atomic.AddInt64(&om.Success, 1)
	} else if conflict {
		atomic.AddInt64(&om.Conflict, 1)
	} else {
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, p50, p95, max time.Duration) {
	om.mu.Lock()
	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	om.mu.Unlock()

	if len(latencies) == 0 {
		return 0, 0, 0, 0
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	avg = sum / time.Duration(len(latencies))
	p50 = latencies[len(latencies)*50/100]
	p95 = latencies[len(latencies)*95/100]
	max = latencies[len(latencies)-1]
	return avg, p50, p95, max
}

type Metrics struct {
	Booking OperationMetrics
	Cancel  OperationMetrics
	Read    OperationMetrics
}

type patient struct {
	id    string
	token string
}

type booked struct {
	id      uuid.UUID
	patient patient
}

type Simulator struct {
	config    SimConfig
	client    *http.Client
	patients  []patient
	providers []uuid.UUID
	dates     []string
	times     []string
	metrics   Metrics
	log       zerolog.Logger

	mu     sync.Mutex
	booked []booked
}

func main() {
	base, err := config.Load()
	if err != nil {
		logging.New("dev", "info", "simulate").Fatal().Err(err).Msg("config load error")
	}
	log := logging.New(base.Env, base.LogLevel, "simulate")

	cfg := SimConfig{
		APIBaseURL:  getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:    getDuration("SIM_DURATION", 30*time.Second),
		Workers:     getInt("SIM_WORKERS", 20),
		Patients:    getInt("SIM_PATIENTS", 200),
		Days:        getInt("SIM_DAYS", 3),
		CancelRatio: getFloat("SIM_CANCEL_RATIO", 0.2),
		ReadRatio:   getFloat("SIM_READ_RATIO", 0.2),
		JWTSecret:   base.JWTSecret,
	}
	if cfg.Workers <= 0 || cfg.Duration <= 0 || cfg.Patients <= 0 || cfg.Days <= 0 {
		log.Fatal().Msg("SIM_WORKERS, SIM_DURATION, SIM_PATIENTS and SIM_DAYS must be > 0")
	}

	sim := &Simulator{
		config: cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
	}

	ctx := context.Background()
	if err := sim.prepare(ctx, base); err != nil {
		log.Fatal().Err(err).Msg("prepare")
	}
	log.Info().
		Int("providers", len(sim.providers)).
		Int("patients", len(sim.patients)).
		Int("slots", len(sim.providers)*len(sim.dates)*len(sim.times)).
		Msg("starting simulation")

	sim.Run()
	sim.PrintReport()

	if err := sim.Verify(ctx); err != nil {
		log.Error().Err(err).Msg("verification failed")
		os.Exit(1)
	}
	log.Info().Msg("no slot was booked twice")
}

func (s *Simulator) prepare(ctx context.Context, base config.Config) error {
	authn := auth.NewAuthenticator(s.config.JWTSecret, "")
	for i := 0; i < s.config.Patients; i++ {
		id := uuid.NewString()
		tok, err := authn.Issue(id, "", s.config.Duration+10*time.Minute)
		if err != nil {
			return err
		}
		s.patients = append(s.patients, patient{id: id, token: tok})
	}

	var list struct {
		Items []struct {
			ID        uuid.UUID `json:"id"`
			Available bool      `json:"available"`
		} `json:"items"`
	}
	if _, err := s.call(ctx, http.MethodGet, "/providers?limit=100", "", nil, &list); err != nil {
		return fmt.Errorf("list providers: %w", err)
	}
	for _, p := range list.Items {
		if p.Available {
			s.providers = append(s.providers, p.ID)
		}
	}
	if len(s.providers) == 0 {
		return fmt.Errorf("no available providers, run seed first")
	}

	start := time.Now().AddDate(0, 0, 1)
	for d := 0; d < s.config.Days; d++ {
		s.dates = append(s.dates, start.AddDate(0, 0, d).Format("2006-01-02"))
	}

	if base.SlotGrid <= 0 {
		return fmt.Errorf("SLOT_GRID must be > 0")
	}
	open, err := time.Parse("15:04", base.OpeningHour)
	if err != nil {
		return err
	}
	closing, err := time.Parse("15:04", base.ClosingHour)
	if err != nil {
		return err
	}
	for t := open; t.Before(closing); t = t.Add(base.SlotGrid) {
		s.times = append(s.times, t.Format("15:04"))
	}
	return nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}
	wg.Wait()
	s.log.Info().Msg("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for ctx.Err() == nil {
		r := rng.Float64()
		switch {
		case r < s.config.CancelRatio:
			s.doCancel(ctx, rng)
		case r < s.config.CancelRatio+s.config.ReadRatio:
			s.doRead(ctx, rng)
		default:
			s.doBooking(ctx, rng)
		}
	}
}

func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand) {
	p := s.patients[rng.Intn(len(s.patients))]
	body := map[string]string{
		"provider_id": s.providers[rng.Intn(len(s.providers))].String(),
		"slot_date":   s.dates[rng.Intn(len(s.dates))],
		"slot_time":   s.times[rng.Intn(len(s.times))],
	}

	var appt struct {
		ID uuid.UUID `json:"id"`
	}
	start := time.Now()
	status, err := s.call(ctx, http.MethodPost, "/appointments", p.token, body, &appt)
	if ctx.Err() != nil {
		return
	}

	ok := err == nil && status == http.StatusCreated
	if ok {
		s.mu.Lock()
		s.booked = append(s.booked, booked{id: appt.ID, patient: p})
		s.mu.Unlock()
	}
	s.metrics.Booking.Record(time.Since(start), ok, status == http.StatusConflict)
}

func (s *Simulator) doCancel(ctx context.Context, rng *rand.Rand) {
	s.mu.Lock()
	if len(s.booked) == 0 {
		s.mu.Unlock()
		return
	}
	b := s.booked[rng.Intn(len(s.booked))]
	s.mu.Unlock()

	start := time.Now()
	status, err := s.call(ctx, http.MethodPost, "/appointments/"+b.id.String()+"/cancel", b.patient.token, nil, nil)
	if ctx.Err() != nil {
		return
	}
	s.metrics.Cancel.Record(time.Since(start), err == nil && status == http.StatusOK, false)
}

func (s *Simulator) doRead(ctx context.Context, rng *rand.Rand) {
	path := fmt.Sprintf("/providers/%s/availability?date=%s",
		s.providers[rng.Intn(len(s.providers))], s.dates[rng.Intn(len(s.dates))])

	start := time.Now()
	status, err := s.call(ctx, http.MethodGet, path, "", nil, nil)
	if ctx.Err() != nil {
		return
	}
	s.metrics.Read.Record(time.Since(start), err == nil && status == http.StatusOK, false)
}

// Verify lists every patient's appointments and fails if two live ones share
// a provider slot.
func (s *Simulator) Verify(ctx context.Context) error {
	seen := make(map[string]string)
	for _, p := range s.patients {
		for offset := 0; ; offset += 100 {
			var page struct {
				Items []struct {
					ID         string `json:"id"`
					ProviderID string `json:"provider_id"`
					SlotDate   string `json:"slot_date"`
					SlotTime   string `json:"slot_time"`
					Cancelled  bool   `json:"cancelled"`
				} `json:"items"`
			}
			path := fmt.Sprintf("/appointments?limit=100&offset=%d", offset)
			if _, err := s.call(ctx, http.MethodGet, path, p.token, nil, &page); err != nil {
				return fmt.Errorf("list appointments for %s: %w", p.id, err)
			}
			for _, a := range page.Items {
				if a.Cancelled {
					continue
				}
				key := a.ProviderID + "/" + a.SlotDate + "/" + a.SlotTime
				if other, dup := seen[key]; dup {
					return fmt.Errorf("slot %s held by %s and %s", key, other, a.ID)
				}
				seen[key] = a.ID
			}
			if len(page.Items) < 100 {
				break
			}
		}
	}
	s.log.Info().Int("live_appointments", len(seen)).Msg("verification complete")
	return nil
}

func (s *Simulator) call(ctx context.Context, method, path, token string, body, out any) (int, error) {
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
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return resp.StatusCode, nil
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return resp.StatusCode, nil
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n\n", s.config.Workers)

	printOperationReport("Booking", &s.metrics.Booking)
	printOperationReport("Cancel", &s.metrics.Cancel)
	printOperationReport("Availability", &s.metrics.Read)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	errs := atomic.LoadInt64(&om.Error)
	avg, p50, p95, max := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if errs > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", errs, float64(errs)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s p50=%s p95=%s max=%s\n\n",
		avg.Round(time.Millisecond), p50.Round(time.Millisecond), p95.Round(time.Millisecond), max.Round(time.Millisecond))
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
