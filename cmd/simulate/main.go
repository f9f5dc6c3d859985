package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/brianvoe/gofakeit/v7"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/hackgods/portal-scheduling/internal/api"
	"github.com/hackgods/portal-scheduling/internal/appointment"
	"github.com/hackgods/portal-scheduling/internal/availability"
	"github.com/hackgods/portal-scheduling/internal/booking"
	"github.com/hackgods/portal-scheduling/internal/calendar"
	"github.com/hackgods/portal-scheduling/internal/config"
	"github.com/hackgods/portal-scheduling/internal/feed"
	"github.com/hackgods/portal-scheduling/internal/logging"
	"github.com/hackgods/portal-scheduling/internal/metrics"
	"github.com/hackgods/portal-scheduling/internal/notify"
	redisclient "github.com/hackgods/portal-scheduling/internal/redis"
	"github.com/hackgods/portal-scheduling/internal/remote"
	"github.com/hackgods/portal-scheduling/internal/scheduling"
	"github.com/hackgods/portal-scheduling/internal/session"
	"github.com/hackgods/portal-scheduling/internal/timeslot"
)

var visitNotes = []string{
	"",
	"Follow-up on lab results",
	"First visit",
	"Prescription renewal",
	"Referred by GP",
}

type SimConfig struct {
	Duration time.Duration
	DoctorID string
	Desks    int // doctor-side portals booking on the same calendar
	Patients int // patient portals sending requests
	Days     int // how many days ahead bookings land
	Think    time.Duration
	Local    bool
}

// OperationMetrics counts one kind of portal action.
type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Rollback  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

// Record counts err as a conflict when it names a slot conflict and as a
// rollback when the server refused the write.
func (om *OperationMetrics) Record(latency time.Duration, err error) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case err == nil:
		atomic.AddInt64(&om.Success, 1)
	case errors.Is(err, appointment.ErrSlotConflict):
		atomic.AddInt64(&om.Conflict, 1)
		if errors.Is(err, appointment.ErrRemoteWrite) {
			atomic.AddInt64(&om.Rollback, 1)
		}
	case errors.Is(err, appointment.ErrRemoteWrite), errors.Is(err, appointment.ErrInvalidTransition):
		atomic.AddInt64(&om.Rollback, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, minimum, maximum, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	sort.Slice(latencies, func(i, j int) bool {
		return latencies[i] < latencies[j]
	})

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	minimum = latencies[0]
	maximum = latencies[len(latencies)-1]
	p50 = latencies[min(len(latencies)*50/100, len(latencies)-1)]
	p95 = latencies[min(len(latencies)*95/100, len(latencies)-1)]
	return avg, minimum, maximum, p50, p95
}

type Metrics struct {
	Schedule OperationMetrics
	Request  OperationMetrics
	Move     OperationMetrics
	Approve  OperationMetrics
	Reject   OperationMetrics
	Cancel   OperationMetrics
	Refresh  OperationMetrics

	mergeConflicts atomic.Int64
}

// portal is one client session: a calendar, the orchestrator writing
// through the API, and the feed keeping the calendar current.
type portal struct {
	actor  session.Actor
	orch   *scheduling.Orchestrator
	cal    *calendar.Reconciler
	client *remote.Client
	runner *feed.Runner
	faker  *gofakeit.Faker
}

type Simulator struct {
	config  SimConfig
	base    config.Config
	baseURL string
	issuer  *session.Issuer
	engine  *availability.Engine
	sched   *metrics.SchedulingMetrics
	log     zerolog.Logger
	metrics Metrics
	// integrity is filled in after the run from a fresh doctor calendar.
	doubleBookings int
	finalBookings  int
}

func main() {
	base, err := config.LoadClient()
	if err != nil {
		fatalLog := logging.New("info", true)
		fatalLog.Fatal().Err(err).Msg("config load error")
	}
	log := logging.New(base.LogLevel, base.Dev())

	cfg := loadConfig()
	if err := validateConfig(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid simulation config")
	}
	log.Info().
		Dur("duration", cfg.Duration).
		Str("doctor", cfg.DoctorID).
		Int("desks", cfg.Desks).
		Int("patients", cfg.Patients).
		Bool("local", cfg.Local).
		Msg("simulator starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	baseURL := base.APIBaseURL
	if cfg.Local {
		url, shutdown, err := startLocalStack(ctx, base, cfg, log)
		if err != nil {
			log.Fatal().Err(err).Msg("start local stack")
		}
		defer shutdown()
		baseURL = url
	}

	sim := &Simulator{
		config:  cfg,
		base:    base,
		baseURL: baseURL,
		issuer:  session.NewIssuer(base.JWTSecret, 0),
		engine:  availability.NewEngine(base.SlotMinutes),
		sched:   metrics.NewSchedulingMetrics(prometheus.NewRegistry()),
		log:     log,
	}

	if err := sim.Run(ctx); err != nil {
		log.Error().Err(err).Msg("simulation aborted")
	}
	if err := sim.checkIntegrity(context.Background()); err != nil {
		log.Error().Err(err).Msg("integrity check failed")
	}
	sim.PrintReport()
}

func loadConfig() SimConfig {
	return SimConfig{
		Duration: getDuration("SIM_DURATION", 30*time.Second),
		DoctorID: getEnv("SIM_DOCTOR", "doc-001"),
		Desks:    getInt("SIM_DESKS", 2),
		Patients: getInt("SIM_PATIENTS", 8),
		Days:     getInt("SIM_DAYS", 3),
		Think:    getDuration("SIM_THINK", 50*time.Millisecond),
		Local:    getEnv("SIM_LOCAL", "") == "1",
	}
}

func validateConfig(cfg SimConfig) error {
	if cfg.Duration <= 0 {
		return errors.New("SIM_DURATION must be > 0")
	}
	if cfg.Desks <= 0 && cfg.Patients <= 0 {
		return errors.New("SIM_DESKS or SIM_PATIENTS must be > 0")
	}
	if cfg.Days <= 0 {
		return errors.New("SIM_DAYS must be > 0")
	}
	if cfg.DoctorID == "" {
		return errors.New("SIM_DOCTOR is required")
	}
	return nil
}

// startLocalStack serves the API in process over the memory repository and
// an embedded Redis. It returns the API's base URL.
func startLocalStack(ctx context.Context, base config.Config, cfg SimConfig, log zerolog.Logger) (string, func(), error) {
	mr, err := miniredis.Run()
	if err != nil {
		return "", nil, fmt.Errorf("start embedded redis: %w", err)
	}
	rdb, err := redisclient.NewRedisClient(ctx, redisclient.Options{Addr: mr.Addr()})
	if err != nil {
		mr.Close()
		return "", nil, err
	}

	repo := appointment.NewMemoryRepository()
	if _, err := repo.InsertDoctor(ctx, appointment.Doctor{ID: cfg.DoctorID, Name: "Dr. " + gofakeit.Name()}); err != nil {
		return "", nil, err
	}
	for i := range max(cfg.Patients, 1) {
		if _, err := repo.InsertPatient(ctx, appointment.Patient{ID: patientID(i), Name: gofakeit.Name()}); err != nil {
			return "", nil, err
		}
	}

	reg := prometheus.NewRegistry()
	serverMetrics := metrics.NewServerMetrics(reg)
	svc := booking.NewService(booking.Deps{
		Repo:      repo,
		Locker:    redisclient.NewRedisDoctorLocker(rdb, base.LockTTL, base.LockWait),
		Publisher: redisclient.NewRedisPublisher(rdb),
		Metrics:   serverMetrics,
		Log:       log.With().Str("component", "booking").Logger(),
	}, base)

	router := api.NewRouter(api.RouterConfig{
		Service:  svc,
		Sessions: session.NewIssuer(base.JWTSecret, 0),
		Redis:    rdb,
		Metrics:  serverMetrics,
		Gatherer: reg,
		Log:      log.With().Str("component", "http").Logger().Level(zerolog.WarnLevel),
		Location: base.Location,
		Env:      base.Env,
		Version:  "simulate",
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, err
	}
	srv := &http.Server{Handler: router, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("local api server error")
		}
	}()

	url := "http://" + ln.Addr().String()
	log.Info().Str("url", url).Msg("local stack listening")

	return url, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), base.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = rdb.Close()
		mr.Close()
	}, nil
}

func (s *Simulator) newPortal(name string, actor session.Actor) (*portal, error) {
	token, err := s.issuer.Issue(actor)
	if err != nil {
		return nil, err
	}
	log := s.log.With().Str("portal", name).Logger()

	client := remote.NewClient(s.baseURL, token, remote.WithLocation(s.base.Location), remote.WithLogger(log))
	cal := calendar.NewReconciler(actor.Scope())
	orch := scheduling.NewOrchestrator(client, cal, s.engine,
		scheduling.WithMetrics(s.sched),
		scheduling.WithLogger(log),
		scheduling.WithNotifier(notify.NewLogSink(log.Level(zerolog.WarnLevel))),
	)

	runner := feed.NewRunner(orch, s.base.PollInterval,
		feed.WithSource(feed.NewWebsocketSource(s.baseURL, token, actor.Scope(), log)),
		feed.WithPushRate(s.base.RefreshInterval, 1),
		feed.WithLogger(log),
		feed.OnRefresh(func(res calendar.MergeResult, err error) {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			s.metrics.Refresh.Record(0, err)
			s.metrics.mergeConflicts.Add(int64(len(res.Conflicts)))
		}),
	)

	return &portal{
		actor:  actor,
		orch:   orch,
		cal:    cal,
		client: client,
		runner: runner,
		faker:  gofakeit.New(0),
	}, nil
}

func (s *Simulator) Run(parent context.Context) error {
	ctx, cancel := context.WithTimeout(parent, s.config.Duration)
	defer cancel()

	var portals []*portal
	for i := range s.config.Desks {
		p, err := s.newPortal(fmt.Sprintf("desk-%d", i+1), session.Actor{ID: s.config.DoctorID, Role: appointment.RoleDoctor})
		if err != nil {
			return err
		}
		portals = append(portals, p)
	}
	for i := range s.config.Patients {
		p, err := s.newPortal(patientID(i), session.Actor{ID: patientID(i), Role: appointment.RolePatient})
		if err != nil {
			return err
		}
		portals = append(portals, p)
	}

	s.log.Info().Int("portals", len(portals)).Msg("starting simulation")

	g, ctx := errgroup.WithContext(ctx)
	for _, p := range portals {
		g.Go(func() error { return p.runner.Run(ctx) })
		g.Go(func() error {
			s.act(ctx, p)
			return nil
		})
	}
	err := g.Wait()
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		err = nil
	}
	s.log.Info().Msg("simulation complete")
	return err
}

func (s *Simulator) act(ctx context.Context, p *portal) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.config.Think):
		}

		r := p.faker.Number(0, 99)
		if p.actor.Role == appointment.RoleDoctor {
			switch {
			case r < 45:
				s.book(ctx, p, &s.metrics.Schedule)
			case r < 75:
				s.decide(ctx, p)
			case r < 90:
				s.move(ctx, p)
			default:
				s.cancel(ctx, p, appointment.StatusScheduled)
			}
			continue
		}

		if r < 80 {
			s.book(ctx, p, &s.metrics.Request)
		} else {
			s.cancel(ctx, p, appointment.StatusPending)
		}
	}
}

// pickSlot asks the API for the doctor's open slots on a random upcoming
// day. The answer may be stale by the time it is used, which is the race
// the simulation exercises.
func (s *Simulator) pickSlot(ctx context.Context, p *portal) (timeslot.Interval, bool) {
	day := time.Now().In(s.base.Location).AddDate(0, 0, 1+p.faker.Number(0, s.config.Days-1))
	slots, err := p.client.OpenSlots(ctx, s.config.DoctorID, day)
	if err != nil || len(slots) == 0 {
		return timeslot.Interval{}, false
	}
	return slots[p.faker.Number(0, len(slots)-1)], true
}

func (s *Simulator) book(ctx context.Context, p *portal, om *OperationMetrics) {
	slot, ok := s.pickSlot(ctx, p)
	if !ok {
		return
	}
	req := scheduling.ScheduleRequest{
		DoctorID: s.config.DoctorID,
		Interval: slot,
		Kind:     appointment.KindConsultation,
		Notes:    p.faker.RandomString(visitNotes),
	}
	if p.actor.Role == appointment.RolePatient {
		req.PatientID = p.actor.ID
	} else {
		req.PatientID = patientID(p.faker.Number(0, max(s.config.Patients, 1)-1))
	}

	start := time.Now()
	_, err := p.orch.Schedule(ctx, req)
	if ctx.Err() == nil {
		om.Record(time.Since(start), err)
	}
}

func (s *Simulator) decide(ctx context.Context, p *portal) {
	target, ok := pick(p, func(a appointment.Appointment) bool { return a.Status == appointment.StatusPending })
	if !ok {
		return
	}

	start := time.Now()
	if p.faker.Number(0, 99) < 80 {
		_, err := p.orch.Approve(ctx, target.ID)
		if ctx.Err() == nil {
			s.metrics.Approve.Record(time.Since(start), err)
		}
		return
	}
	_, err := p.orch.Reject(ctx, target.ID)
	if ctx.Err() == nil {
		s.metrics.Reject.Record(time.Since(start), err)
	}
}

func (s *Simulator) move(ctx context.Context, p *portal) {
	target, ok := pick(p, func(a appointment.Appointment) bool { return a.Blocks() })
	if !ok {
		return
	}
	slot, ok := s.pickSlot(ctx, p)
	if !ok {
		return
	}

	start := time.Now()
	_, err := p.orch.Move(ctx, target.ID, slot)
	if ctx.Err() == nil {
		s.metrics.Move.Record(time.Since(start), err)
	}
}

func (s *Simulator) cancel(ctx context.Context, p *portal, status appointment.Status) {
	target, ok := pick(p, func(a appointment.Appointment) bool { return a.Status == status })
	if !ok {
		return
	}

	start := time.Now()
	err := p.orch.Cancel(ctx, target.ID)
	if ctx.Err() == nil {
		s.metrics.Cancel.Record(time.Since(start), err)
	}
}

// pick returns a random confirmed entry of p's calendar matching keep.
func pick(p *portal, keep func(appointment.Appointment) bool) (appointment.Appointment, bool) {
	var candidates []appointment.Appointment
	for _, e := range p.cal.Entries() {
		if e.State == calendar.StateConfirmed && keep(e.Appointment) {
			candidates = append(candidates, e.Appointment)
		}
	}
	if len(candidates) == 0 {
		return appointment.Appointment{}, false
	}
	return candidates[p.faker.Number(0, len(candidates)-1)], true
}

// checkIntegrity loads the doctor's calendar into a fresh portal and counts
// blocking appointments that overlap another.
func (s *Simulator) checkIntegrity(ctx context.Context) error {
	p, err := s.newPortal("auditor", session.Actor{ID: s.config.DoctorID, Role: appointment.RoleDoctor})
	if err != nil {
		return err
	}
	list, err := p.client.List(ctx, p.actor.Scope())
	if err != nil {
		return err
	}

	for _, a := range list {
		if !a.Blocks() {
			continue
		}
		s.finalBookings++
		if !s.engine.IsSlotAvailable(s.config.DoctorID, a.Interval, list, a.ID) {
			s.doubleBookings++
		}
	}
	return nil
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Doctor: %s  Desks: %d  Patients: %d\n", s.config.DoctorID, s.config.Desks, s.config.Patients)
	fmt.Println()

	printOperationReport("Schedule (desk)", &s.metrics.Schedule)
	printOperationReport("Request (patient)", &s.metrics.Request)
	printOperationReport("Move", &s.metrics.Move)
	printOperationReport("Approve", &s.metrics.Approve)
	printOperationReport("Reject", &s.metrics.Reject)
	printOperationReport("Cancel", &s.metrics.Cancel)
	printOperationReport("Refresh", &s.metrics.Refresh)

	fmt.Printf("Conflicts surfaced by refresh: %d\n", s.metrics.mergeConflicts.Load())
	fmt.Printf("Blocking bookings at end: %d\n", s.finalBookings)
	fmt.Printf("Double bookings at end: %d\n", s.doubleBookings)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	rollback := atomic.LoadInt64(&om.Rollback)
	failed := atomic.LoadInt64(&om.Error)

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, percent(success, total))
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, percent(conflict, total))
	}
	if rollback > 0 {
		fmt.Printf("  Rollbacks: %d (%.1f%%)\n", rollback, percent(rollback, total))
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, percent(failed, total))
	}

	avg, minimum, maximum, p50, p95 := om.Stats()
	if maximum > 0 {
		fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
			avg.Round(time.Millisecond), minimum.Round(time.Millisecond), maximum.Round(time.Millisecond),
			p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	}
	fmt.Println()
}

func percent(n, total int64) float64 {
	return float64(n) / float64(total) * 100
}

func patientID(i int) string {
	return fmt.Sprintf("pat-%04d", i+1)
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
