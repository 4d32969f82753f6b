package transfer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"socket-transfer/internal/applog"
)

// lifecycle states for the supervisor's state machine (spec §4.4):
// INITIALIZED -> (listen) -> LISTENING -> (unlisten) -> CLOSED. Re-entering
// LISTENING requires constructing a new Supervisor.
type lifecycleState int

const (
	stateInitialized lifecycleState = iota
	stateListening
	stateClosed
)

// Options are the construction options enumerated in spec §6. Targets is
// required; every other field has a documented default. Unknown keys have
// no Go analogue (there is no dynamic map here), so that part of §9's
// "dynamic options object" note does not apply to a statically typed
// Options struct.
type Options struct {
	Port      int           // default 1080
	Address   string        // default "127.0.0.1"
	Bind      string        // default "0.0.0.0"
	Strategy  string        // default StrategyPolling
	Targets   []Target      // required
	Heartbeat []int64       // milliseconds; default [300_000]
	Upstream  string        // fixed UDP upstream endpoint; default "114.114.114.114:53"
}

const (
	defaultAddress   = "127.0.0.1"
	defaultBind      = "0.0.0.0"
	defaultPort      = 1080
	defaultUpstream  = "114.114.114.114:53"
	defaultHeartbeat = 300_000
)

func (o Options) withDefaults() Options {
	if o.Address == "" {
		o.Address = defaultAddress
	}
	if o.Bind == "" {
		o.Bind = defaultBind
	}
	if o.Port == 0 {
		o.Port = defaultPort
	}
	if o.Strategy == "" {
		o.Strategy = StrategyPolling
	}
	if o.Upstream == "" {
		o.Upstream = defaultUpstream
	}
	if len(o.Heartbeat) == 0 {
		o.Heartbeat = []int64{defaultHeartbeat}
	}
	return o
}

// SupervisorStats is the read-only snapshot exposed by Supervisor.Snapshot,
// covering the TransferStats data model (spec §3) plus the target count
// and last health-check result.
type SupervisorStats struct {
	BytesTransfer int64
	Speed         string
	TargetCount   int
	LastFailed    []Target
}

// Supervisor is the transfer supervisor (C6): it constructs and owns C1-C5,
// schedules health checks on a heartbeat schedule, and re-emits failures as
// events. It is the sole owner of the timer, TCP listener, and UDP sockets.
type Supervisor struct {
	bus *EventBus

	mu        sync.Mutex
	state     lifecycleState
	balancer  *balancerRef
	relay     *Relay
	checker   Checker
	heartbeat []int64

	timer       *time.Timer
	timerCancel context.CancelFunc
	scanMu      sync.Mutex
	lastFailed  []Target

	speedMu      sync.Mutex
	lastSample   time.Time
	lastBytes    int64
	currentSpeed string

	opts Options
}

// NewSupervisor constructs C1-C5 per opts but does not start listening;
// call Listen to transition INITIALIZED -> LISTENING.
func NewSupervisor(opts Options) (*Supervisor, error) {
	opts = opts.withDefaults()
	if len(opts.Targets) == 0 {
		return nil, fmt.Errorf("targets is required")
	}
	if err := validateHeartbeat(opts.Heartbeat); err != nil {
		return nil, err
	}

	bus := NewEventBus()
	balancer := newBalancerRef(NewBalancer(opts.Strategy, opts.Targets, 0))
	udp := NewUDPForwarderPair(opts.Port, opts.Upstream, nil)
	relay := NewRelay(opts.Address, opts.Bind, balancer, bus, udp)

	s := &Supervisor{
		bus:       bus,
		balancer:  balancer,
		relay:     relay,
		checker:   NewChecker(),
		heartbeat: append([]int64(nil), opts.Heartbeat...),
		opts:      opts,
		state:     stateInitialized,
	}
	relay.onSessionDone = s.onSessionDone
	return s, nil
}

// Subscribe registers a handler for the named event (see events.go for the
// full list of preserved event names).
func (s *Supervisor) Subscribe(name string, handler func(payload any)) func() {
	return s.bus.Subscribe(name, handler)
}

// Listen transitions INITIALIZED -> LISTENING: binds the TCP relay (and,
// transitively, the UDP forwarder pair) and starts the heartbeat schedule.
func (s *Supervisor) Listen() (int, error) {
	s.mu.Lock()
	if s.state != stateInitialized {
		s.mu.Unlock()
		return 0, fmt.Errorf("listen: illegal transition from state %d", s.state)
	}
	s.mu.Unlock()

	port, err := s.relay.Listen(s.opts.Port)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.state = stateListening
	s.mu.Unlock()

	s.scheduleHeartbeat(s.heartbeat)
	return port, nil
}

// Unlisten transitions LISTENING -> CLOSED: closes the listener and ends
// the UDP sockets, bounded by a 500ms budget. It does not stop the
// heartbeat timer - callers that also want that should use Stop.
func (s *Supervisor) Unlisten(ctx context.Context) error {
	err := s.relay.Unlisten(ctx)

	s.mu.Lock()
	s.state = stateClosed
	s.mu.Unlock()

	return err
}

// Stop cancels the heartbeat timer, then awaits Unlisten.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.timerCancel != nil {
		s.timerCancel()
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()
	return s.Unlisten(ctx)
}

// StopHealthCheck cancels the heartbeat timer without closing the listener.
func (s *Supervisor) StopHealthCheck() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timerCancel != nil {
		s.timerCancel()
	}
	if s.timer != nil {
		s.timer.Stop()
	}
}

// ---- heartbeat schedule ----

// scheduleHeartbeat implements spec §4.6's algorithm: while the schedule
// has more than one entry, pop the head as a one-shot delay, fire a check,
// and recurse on the tail; once one entry remains, switch to a steady
// periodic interval of that duration.
func (s *Supervisor) scheduleHeartbeat(schedule []int64) {
	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.timerCancel = cancel
	s.mu.Unlock()

	if len(schedule) > 1 {
		delay := time.Duration(schedule[0]) * time.Millisecond
		t := time.AfterFunc(delay, func() {
			if ctx.Err() != nil {
				return
			}
			s.runScan()
			s.scheduleHeartbeat(schedule[1:])
		})
		s.mu.Lock()
		s.timer = t
		s.mu.Unlock()
		return
	}

	interval := time.Duration(schedule[0]) * time.Millisecond
	var tick func()
	tick = func() {
		if ctx.Err() != nil {
			return
		}
		s.runScan()
		s.mu.Lock()
		s.timer = time.AfterFunc(interval, tick)
		s.mu.Unlock()
	}
	s.mu.Lock()
	s.timer = time.AfterFunc(interval, tick)
	s.mu.Unlock()
}

// SetHeartBeat validates and replaces the active schedule, clearing and
// re-arming the timer. Each entry must be >= 5, compared against the raw
// value supplied (see SPEC_FULL.md Open Question Resolution #1 - the
// threshold is NOT unit-converted).
func (s *Supervisor) SetHeartBeat(schedule []int64) error {
	if err := validateHeartbeat(schedule); err != nil {
		return err
	}

	s.mu.Lock()
	if s.timerCancel != nil {
		s.timerCancel()
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.heartbeat = append([]int64(nil), schedule...)
	listening := s.state == stateListening
	s.mu.Unlock()

	if listening {
		s.scheduleHeartbeat(s.heartbeat)
	}
	return nil
}

func validateHeartbeat(schedule []int64) error {
	if len(schedule) == 0 {
		return fmt.Errorf("heartbeat schedule must not be empty")
	}
	for _, v := range schedule {
		if v < minHeartbeatEntry {
			return &HeartbeatInvalidError{Value: v}
		}
	}
	return nil
}

// runScan performs one two-pass health check scan and re-emits failures.
// Scans do not interleave: a scan already in flight blocks a new tick
// until it finishes (spec §5 recommends serializing to avoid
// thundering-herd against a flapping backend).
func (s *Supervisor) runScan() {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	targetsSet := s.currentTargetSet()
	failed := runHealthCheckScan(ctx, s.checker, s.opts.Address, targetsSet, s.bus)

	s.mu.Lock()
	s.lastFailed = failed
	s.mu.Unlock()

	if len(failed) > 0 {
		applog.LogHealthCheckFailed(portsOf(failed))
		s.bus.emit(eventHealthCheckFailed, failed)
	}
}

func portsOf(targets []Target) []int {
	out := make([]int, len(targets))
	for i, t := range targets {
		out[i] = t.Port
	}
	return out
}

// currentTargetSet exposes the balancer's backing registry for the health
// checker's snapshot-based scan. Every Balancer implementation here holds a
// *TargetSet named ts; this helper mirrors that without widening the
// Balancer interface just for the checker's benefit.
func (s *Supervisor) currentTargetSet() *TargetSet {
	bal := s.balancer.Load()
	switch b := bal.(type) {
	case *pollingBalancer:
		return b.ts
	case *weightedBalancer:
		return b.ts
	case *leastConnectionBalancer:
		return b.ts
	case *randomBalancer:
		return b.ts
	case *weightedRandomBalancer:
		return b.ts
	case *specifyBalancer:
		return b.ts
	default:
		return NewTargetSet(bal.Targets())
	}
}

// ---- facade over C1, reseating C2 ----

// PushTargets appends to the registry (literal append, no dedup).
func (s *Supervisor) PushTargets(targets []Target) {
	s.currentTargetSet().Push(targets)
}

// SetTargets replaces the registry wholesale and reseats balancer state.
func (s *Supervisor) SetTargets(targets []Target) {
	s.balancer.Load().SetTargets(targets)
}

// SetTargetsWithFilter retains only targets satisfying pred, preserving
// order, and reseats balancer state for the surviving ids.
func (s *Supervisor) SetTargetsWithFilter(pred func(Target) bool) {
	ts := s.currentTargetSet()
	ts.Filter(pred)
	s.balancer.Load().SetTargets(ts.Snapshot())
}

// GetTargets returns a snapshot copy of the current registry.
func (s *Supervisor) GetTargets() []Target {
	return s.balancer.Load().Targets()
}

// Strategy returns the active balancer's fixed strategy tag.
func (s *Supervisor) Strategy() string {
	return s.balancer.Load().Strategy()
}

// SetStrategy replaces the balancer with a freshly constructed one over
// the current target set, implementing the "replace the balancer" escape
// hatch spec §4.2 calls for to change strategy at runtime. The swap goes
// through balancerRef so accept goroutines and health-check scans reading
// concurrently never observe a torn value.
func (s *Supervisor) SetStrategy(strategy string, pin int) {
	targets := s.balancer.Load().Targets()
	s.balancer.Store(NewBalancer(strategy, targets, pin))
}

// ---- observable counters ----

func (s *Supervisor) onSessionDone(bytesRead, bytesWritten int64) {
	s.speedMu.Lock()
	defer s.speedMu.Unlock()

	now := time.Now()
	if s.lastSample.IsZero() {
		s.lastSample = now
		s.lastBytes = s.relay.BytesTransfer()
		return
	}
	elapsed := now.Sub(s.lastSample).Seconds()
	if elapsed <= 0 {
		return
	}
	total := s.relay.BytesTransfer()
	delta := total - s.lastBytes
	bps := float64(delta) / elapsed
	s.currentSpeed = formatSpeed(bps)
	s.lastSample = now
	s.lastBytes = total
}

func formatSpeed(bytesPerSecond float64) string {
	const unit = 1024.0
	if bytesPerSecond < unit {
		return fmt.Sprintf("%.0f B/s", bytesPerSecond)
	}
	div, exp := unit, 0
	for n := bytesPerSecond / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	units := "KMGTPE"
	return fmt.Sprintf("%.1f %ciB/s", bytesPerSecond/div, units[exp])
}

// Snapshot returns the current observable counters and last scan result.
func (s *Supervisor) Snapshot() SupervisorStats {
	s.speedMu.Lock()
	speed := s.currentSpeed
	s.speedMu.Unlock()
	if speed == "" {
		speed = "0 B/s"
	}

	s.mu.Lock()
	lastFailed := append([]Target(nil), s.lastFailed...)
	s.mu.Unlock()

	return SupervisorStats{
		BytesTransfer: s.relay.BytesTransfer(),
		Speed:         speed,
		TargetCount:   len(s.balancer.Load().Targets()),
		LastFailed:    lastFailed,
	}
}
