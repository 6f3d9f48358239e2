package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
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
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/clinic-scheduling/internal/config"
	"github.com/hackgods/clinic-scheduling/internal/db"
)

type SimConfig struct {
	APIBaseURL      string
	Duration        time.Duration
	Workers         int
	BookingRatio    float64
	RescheduleRatio float64
	CancelRatio     float64
	ReadRatio       float64
	PatientLimit    int
	DaysAhead       int
	RaceRounds      int
	PostgresDSN     string
	BusinessStart   int // hour
	BusinessEnd     int // hour
}

type assignment struct {
	DoctorID uuid.UUID
	BranchID uuid.UUID
}

type DataPool struct {
	Patients     []uuid.UUID
	Assignments  []assignment
	mu           sync.RWMutex
	appointments []uuid.UUID // Thread-safe list of created appointment IDs
}

func (dp *DataPool) AddAppointment(id uuid.UUID) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, id)
}

func (dp *DataPool) GetRandomAppointment(rng *rand.Rand) (uuid.UUID, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.appointments) == 0 {
		return uuid.Nil, false
	}
	return dp.appointments[rng.Intn(len(dp.appointments))], true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
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
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]
	p50 = latencies[len(latencies)*50/100]
	p95 = latencies[min95(len(latencies))]
	return avg, min, max, p50, p95
}

func min95(n int) int {
	i := n * 95 / 100
	if i >= n {
		i = n - 1
	}
	return i
}

type Metrics struct {
	Booking            OperationMetrics
	Reschedule         OperationMetrics
	Cancel             OperationMetrics
	DoctorAvailability OperationMetrics
	BranchAvailability OperationMetrics
	PatientSchedule    OperationMetrics
}

var visitNotes = []string{
	"follow-up on recent lab results",
	"persistent headache for two weeks",
	"annual check-up",
	"medication review",
	"skin rash on forearm",
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("simulator starting")

	cfg := loadConfig()
	if err := validateConfig(cfg); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	log.Printf("config: duration=%s workers=%d booking=%.2f reschedule=%.2f cancel=%.2f read=%.2f",
		cfg.Duration, cfg.Workers, cfg.BookingRatio, cfg.RescheduleRatio, cfg.CancelRatio, cfg.ReadRatio)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		log.Fatalf("load data pool: %v", err)
	}

	log.Printf("loaded: %d patients, %d doctor/branch assignments", len(dataPool.Patients), len(dataPool.Assignments))

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{Timeout: 10 * time.Second},
	}

	if cfg.RaceRounds > 0 {
		if err := sim.RunRaceCheck(context.Background()); err != nil {
			log.Fatalf("race check failed: %v", err)
		}
	}

	sim.Run()
	sim.PrintReport()
}

func loadConfig() SimConfig {
	baseCfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load base config: %v", err)
	}

	cfg := SimConfig{
		APIBaseURL:      getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:        getDuration("SIM_DURATION", 30*time.Second),
		Workers:         getInt("SIM_WORKERS", 10),
		BookingRatio:    getFloat("SIM_BOOKING_RATIO", 0.4),
		RescheduleRatio: getFloat("SIM_RESCHEDULE_RATIO", 0.1),
		CancelRatio:     getFloat("SIM_CANCEL_RATIO", 0.1),
		ReadRatio:       getFloat("SIM_READ_RATIO", 0.4),
		PatientLimit:    getInt("SIM_PATIENT_LIMIT", 4000),
		DaysAhead:       getInt("SIM_DAYS_AHEAD", 14),
		RaceRounds:      getInt("SIM_RACE_ROUNDS", 20),
		PostgresDSN:     baseCfg.PostgresDSN,
		BusinessStart:   int(baseCfg.BusinessHours.Start) / 60,
		BusinessEnd:     int(baseCfg.BusinessHours.End) / 60,
	}

	// Normalize ratios
	total := cfg.BookingRatio + cfg.RescheduleRatio + cfg.CancelRatio + cfg.ReadRatio
	if total > 0 {
		cfg.BookingRatio /= total
		cfg.RescheduleRatio /= total
		cfg.CancelRatio /= total
		cfg.ReadRatio /= total
	}

	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required (set in .env or environment)")
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	if cfg.BusinessEnd <= cfg.BusinessStart {
		return fmt.Errorf("business hours leave no whole hour to book")
	}
	return nil
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	dataPool := &DataPool{}

	rows, err := pool.Query(ctx, `SELECT id FROM patients LIMIT $1`, cfg.PatientLimit)
	if err != nil {
		return nil, fmt.Errorf("load patients: %w", err)
	}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		dataPool.Patients = append(dataPool.Patients, id)
	}
	rows.Close()

	rows, err = pool.Query(ctx, `SELECT doctor_id, branch_id FROM doctor_branches WHERE active`)
	if err != nil {
		return nil, fmt.Errorf("load assignments: %w", err)
	}
	for rows.Next() {
		var a assignment
		if err := rows.Scan(&a.DoctorID, &a.BranchID); err != nil {
			rows.Close()
			return nil, err
		}
		dataPool.Assignments = append(dataPool.Assignments, a)
	}
	rows.Close()

	if len(dataPool.Patients) == 0 {
		return nil, fmt.Errorf("no patients loaded, run cmd/seed first")
	}
	if len(dataPool.Assignments) == 0 {
		return nil, fmt.Errorf("no doctor assignments loaded, run cmd/seed first")
	}

	return dataPool, nil
}

// RunRaceCheck fires two simultaneous overlapping bookings per round and
// fails unless exactly one of them wins.
func (s *Simulator) RunRaceCheck(ctx context.Context) error {
	log.Printf("race check: %d rounds", s.config.RaceRounds)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	for round := 0; round < s.config.RaceRounds; round++ {
		a := s.pool.Assignments[rng.Intn(len(s.pool.Assignments))]
		date := s.randomDate(rng)
		hour := s.config.BusinessStart + rng.Intn(s.config.BusinessEnd-s.config.BusinessStart)
		starts := []string{fmt.Sprintf("%02d:00", hour), fmt.Sprintf("%02d:30", hour)}

		bodies := make([]map[string]any, len(starts))
		for i, start := range starts {
			bodies[i] = s.bookingBody(rng, a, date, start)
		}

		codes := make([]int, len(starts))
		gate := make(chan struct{})
		var wg sync.WaitGroup
		for i, body := range bodies {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-gate
				status, _, err := s.postJSON(ctx, "/appointments", body)
				if err == nil {
					codes[i] = status
				}
			}()
		}
		close(gate)
		wg.Wait()

		created := 0
		for _, c := range codes {
			if c == http.StatusCreated {
				created++
			}
		}
		if created > 1 {
			return fmt.Errorf("round %d: doctor %s double-booked on %s around %s", round, a.DoctorID, date, starts[0])
		}
	}

	log.Println("race check passed")
	return nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	log.Printf("starting simulation for %s with %d workers", s.config.Duration, s.config.Workers)

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	log.Println("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		r := rng.Float64()
		switch {
		case r < s.config.BookingRatio:
			s.doBooking(ctx, rng)
		case r < s.config.BookingRatio+s.config.RescheduleRatio:
			s.doReschedule(ctx, rng)
		case r < s.config.BookingRatio+s.config.RescheduleRatio+s.config.CancelRatio:
			s.doCancel(ctx, rng)
		default:
			switch rng.Intn(3) {
			case 0:
				s.doDoctorAvailability(ctx, rng)
			case 1:
				s.doBranchAvailability(ctx, rng)
			case 2:
				s.doPatientSchedule(ctx, rng)
			}
		}
	}
}

func (s *Simulator) randomDate(rng *rand.Rand) string {
	return time.Now().UTC().AddDate(0, 0, 2+rng.Intn(s.config.DaysAhead)).Format(time.DateOnly)
}

func (s *Simulator) randomStart(rng *rand.Rand) string {
	hour := s.config.BusinessStart + rng.Intn(s.config.BusinessEnd-s.config.BusinessStart)
	return fmt.Sprintf("%02d:%02d", hour, 15*rng.Intn(4))
}

func (s *Simulator) bookingBody(rng *rand.Rand, a assignment, date, start string) map[string]any {
	return map[string]any{
		"patient_id": s.pool.Patients[rng.Intn(len(s.pool.Patients))].String(),
		"doctor_id":  a.DoctorID.String(),
		"branch_id":  a.BranchID.String(),
		"date":       date,
		"start_time": start,
		"type":       "consultation",
		"notes":      gofakeit.RandomString(visitNotes),
	}
}

func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand) {
	a := s.pool.Assignments[rng.Intn(len(s.pool.Assignments))]

	start := time.Now()
	status, body, err := s.postJSON(ctx, "/appointments", s.bookingBody(rng, a, s.randomDate(rng), s.randomStart(rng)))
	s.metrics.Booking.Record(time.Since(start), status, err)

	if err == nil && status == http.StatusCreated {
		var resp struct {
			ID uuid.UUID `json:"id"`
		}
		if json.Unmarshal(body, &resp) == nil && resp.ID != uuid.Nil {
			s.pool.AddAppointment(resp.ID)
		}
	}
}

func (s *Simulator) doReschedule(ctx context.Context, rng *rand.Rand) {
	id, ok := s.pool.GetRandomAppointment(rng)
	if !ok {
		return
	}

	start := time.Now()
	status, _, err := s.postJSON(ctx, "/appointments/"+id.String()+"/reschedule", map[string]any{
		"date":       s.randomDate(rng),
		"start_time": s.randomStart(rng),
	})
	s.metrics.Reschedule.Record(time.Since(start), status, err)
}

func (s *Simulator) doCancel(ctx context.Context, rng *rand.Rand) {
	id, ok := s.pool.GetRandomAppointment(rng)
	if !ok {
		return
	}

	start := time.Now()
	status, _, err := s.postJSON(ctx, "/appointments/"+id.String()+"/cancel", map[string]any{
		"reason": "simulated cancellation",
		"force":  true,
	})
	s.metrics.Cancel.Record(time.Since(start), status, err)
}

func (s *Simulator) doDoctorAvailability(ctx context.Context, rng *rand.Rand) {
	a := s.pool.Assignments[rng.Intn(len(s.pool.Assignments))]
	s.timedGet(ctx, &s.metrics.DoctorAvailability,
		fmt.Sprintf("/doctors/%s/availability?date=%s", a.DoctorID, s.randomDate(rng)))
}

func (s *Simulator) doBranchAvailability(ctx context.Context, rng *rand.Rand) {
	a := s.pool.Assignments[rng.Intn(len(s.pool.Assignments))]
	s.timedGet(ctx, &s.metrics.BranchAvailability,
		fmt.Sprintf("/branches/%s/availability?date=%s", a.BranchID, s.randomDate(rng)))
}

func (s *Simulator) doPatientSchedule(ctx context.Context, rng *rand.Rand) {
	patientID := s.pool.Patients[rng.Intn(len(s.pool.Patients))]
	from := time.Now().UTC()
	s.timedGet(ctx, &s.metrics.PatientSchedule,
		fmt.Sprintf("/patients/%s/schedule?from=%s&to=%s", patientID,
			from.Format(time.DateOnly), from.AddDate(0, 0, s.config.DaysAhead+2).Format(time.DateOnly)))
}

func (s *Simulator) timedGet(ctx context.Context, om *OperationMetrics, path string) {
	start := time.Now()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, s.config.APIBaseURL+path, nil)
	resp, err := s.client.Do(req)
	status := 0
	if err == nil {
		status = resp.StatusCode
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
	om.Record(time.Since(start), status, err)
}

func (s *Simulator) postJSON(ctx context.Context, path string, payload any) (int, []byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.APIBaseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	return resp.StatusCode, respBody, err
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Println()

	printOperationReport("Booking", &s.metrics.Booking)
	printOperationReport("Reschedule", &s.metrics.Reschedule)
	printOperationReport("Cancel", &s.metrics.Cancel)
	printOperationReport("Doctor availability", &s.metrics.DoctorAvailability)
	printOperationReport("Branch availability", &s.metrics.BranchAvailability)
	printOperationReport("Patient schedule", &s.metrics.PatientSchedule)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

// Helper functions

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
