package transfer

import (
	"math/rand"
	"sync"
	"sync/atomic"
)

// Strategy tags, chosen at construction and constant for the balancer's
// lifetime (to change strategy, build a new Balancer via NewBalancer).
const (
	StrategyPolling           = "POLLING"
	StrategyWeights           = "WEIGHTS"
	StrategyMinimumConnection = "MINIMUM_CONNECTION"
	StrategyRandom            = "RANDOM"
	StrategyWeightsRandom     = "WEIGHTS_RANDOM"
	StrategySpecify           = "SPECIFY"
)

// Balancer selects one target per accepted connection according to a fixed
// algorithm, maintaining whatever per-algorithm state that algorithm needs
// (cursor, weight residues, live connection counts).
type Balancer interface {
	// PickOne returns a target and true, or the zero Target and false if
	// the registry is empty (or, for SPECIFY, if the pinned id is absent).
	PickOne() (Target, bool)
	// OnOpen must be called when C4 dials the given target.
	OnOpen(port int)
	// OnClose must be called when a session against the given target ends.
	OnClose(port int)
	// SetTargets reseats the registry and any state keyed on target ids:
	// entries for ids no longer present are dropped, entries for ids
	// still present are kept, new ids start zero-initialized.
	SetTargets(targets []Target)
	// Targets returns a snapshot of the current registry.
	Targets() []Target
	// Strategy returns this balancer's fixed algorithm tag.
	Strategy() string
}

// NewBalancer constructs a Balancer for the given strategy tag over the
// given initial targets. Pin is only consulted for StrategySpecify.
func NewBalancer(strategy string, targets []Target, pin int) Balancer {
	ts := NewTargetSet(targets)
	switch strategy {
	case StrategyWeights:
		return &weightedBalancer{ts: ts, current: map[int]int{}}
	case StrategyMinimumConnection:
		return &leastConnectionBalancer{ts: ts}
	case StrategyRandom:
		return &randomBalancer{ts: ts}
	case StrategyWeightsRandom:
		return &weightedRandomBalancer{ts: ts}
	case StrategySpecify:
		return &specifyBalancer{ts: ts, pin: pin}
	default:
		return &pollingBalancer{ts: ts}
	}
}

// ---- POLLING: classic round-robin with a preserved cursor ----

type pollingBalancer struct {
	mu     sync.Mutex
	ts     *TargetSet
	cursor int
}

func (b *pollingBalancer) PickOne() (Target, bool) {
	snap := b.ts.Snapshot()
	if len(snap) == 0 {
		return Target{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	i := b.cursor % len(snap)
	b.cursor = (b.cursor + 1) % len(snap)
	return snap[i], true
}

func (b *pollingBalancer) OnOpen(int)  {}
func (b *pollingBalancer) OnClose(int) {}

func (b *pollingBalancer) SetTargets(targets []Target) {
	b.ts.Set(targets)
	b.mu.Lock()
	if n := len(targets); n > 0 {
		b.cursor = b.cursor % n
	} else {
		b.cursor = 0
	}
	b.mu.Unlock()
}

func (b *pollingBalancer) Targets() []Target { return b.ts.Snapshot() }
func (b *pollingBalancer) Strategy() string  { return StrategyPolling }

// ---- WEIGHTS: smooth weighted round-robin, "current weight" scheme ----

type weightedBalancer struct {
	mu      sync.Mutex
	ts      *TargetSet
	current map[int]int
}

func (b *weightedBalancer) PickOne() (Target, bool) {
	snap := b.ts.Snapshot()
	if len(snap) == 0 {
		return Target{}, false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	total := 0
	best := -1
	for i, t := range snap {
		c := b.current[t.Port] + t.Weight
		b.current[t.Port] = c
		total += t.Weight
		if best == -1 || c > b.current[snap[best].Port] {
			best = i
		}
	}
	b.current[snap[best].Port] -= total
	return snap[best], true
}

func (b *weightedBalancer) OnOpen(int)  {}
func (b *weightedBalancer) OnClose(int) {}

func (b *weightedBalancer) SetTargets(targets []Target) {
	b.ts.Set(targets)
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := map[int]int{}
	for _, t := range targets {
		if v, ok := b.current[t.Port]; ok {
			kept[t.Port] = v
		} else {
			kept[t.Port] = 0
		}
	}
	b.current = kept
}

func (b *weightedBalancer) Targets() []Target { return b.ts.Snapshot() }
func (b *weightedBalancer) Strategy() string  { return StrategyWeights }

// ---- MINIMUM_CONNECTION: pick smallest live count, tie-break by order ----

type leastConnectionBalancer struct {
	ts *TargetSet
}

func (b *leastConnectionBalancer) PickOne() (Target, bool) {
	snap := b.ts.Snapshot()
	if len(snap) == 0 {
		return Target{}, false
	}
	best := snap[0]
	for _, t := range snap[1:] {
		if t.Connections < best.Connections {
			best = t
		}
	}
	return best, true
}

func (b *leastConnectionBalancer) OnOpen(port int)  { b.ts.updateConnections(port, 1) }
func (b *leastConnectionBalancer) OnClose(port int) { b.ts.updateConnections(port, -1) }

// SetTargets reseats the registry, carrying forward the live Connections
// count for any port present in both the old and new sets (spec §3's
// BalancerState reseat rule: "keep entries for ids in both"). Without this,
// a caller like Supervisor.SetTargets passing fresh zero-initialized Target
// records would silently reset every live connection count to zero.
func (b *leastConnectionBalancer) SetTargets(targets []Target) {
	prev := map[int]int{}
	for _, t := range b.ts.Snapshot() {
		prev[t.Port] = t.Connections
	}
	merged := make([]Target, len(targets))
	for i, t := range targets {
		if c, ok := prev[t.Port]; ok {
			t.Connections = c
		}
		merged[i] = t
	}
	b.ts.Set(merged)
}

func (b *leastConnectionBalancer) Targets() []Target { return b.ts.Snapshot() }
func (b *leastConnectionBalancer) Strategy() string  { return StrategyMinimumConnection }

// ---- RANDOM: uniform pick, no state ----

type randomBalancer struct {
	ts *TargetSet
}

func (b *randomBalancer) PickOne() (Target, bool) {
	snap := b.ts.Snapshot()
	if len(snap) == 0 {
		return Target{}, false
	}
	return snap[rand.Intn(len(snap))], true
}

func (b *randomBalancer) OnOpen(int)                     {}
func (b *randomBalancer) OnClose(int)                    {}
func (b *randomBalancer) SetTargets(targets []Target)    { b.ts.Set(targets) }
func (b *randomBalancer) Targets() []Target              { return b.ts.Snapshot() }
func (b *randomBalancer) Strategy() string               { return StrategyRandom }

// ---- WEIGHTS_RANDOM: pick proportionally to weight ----

type weightedRandomBalancer struct {
	ts *TargetSet
}

func (b *weightedRandomBalancer) PickOne() (Target, bool) {
	snap := b.ts.Snapshot()
	if len(snap) == 0 {
		return Target{}, false
	}
	total := 0
	for _, t := range snap {
		total += t.Weight
	}
	if total <= 0 {
		return snap[rand.Intn(len(snap))], true
	}
	r := rand.Intn(total)
	for _, t := range snap {
		if r < t.Weight {
			return t, true
		}
		r -= t.Weight
	}
	return snap[len(snap)-1], true
}

func (b *weightedRandomBalancer) OnOpen(int)                  {}
func (b *weightedRandomBalancer) OnClose(int)                 {}
func (b *weightedRandomBalancer) SetTargets(targets []Target) { b.ts.Set(targets) }
func (b *weightedRandomBalancer) Targets() []Target           { return b.ts.Snapshot() }
func (b *weightedRandomBalancer) Strategy() string            { return StrategyWeightsRandom }

// ---- SPECIFY: sticky pin by id ----

type specifyBalancer struct {
	ts  *TargetSet
	pin int
}

func (b *specifyBalancer) PickOne() (Target, bool) {
	for _, t := range b.ts.Snapshot() {
		if t.Port == b.pin {
			return t, true
		}
	}
	return Target{}, false
}

func (b *specifyBalancer) OnOpen(int)                  {}
func (b *specifyBalancer) OnClose(int)                 {}
func (b *specifyBalancer) SetTargets(targets []Target) { b.ts.Set(targets) }
func (b *specifyBalancer) Targets() []Target           { return b.ts.Snapshot() }
func (b *specifyBalancer) Strategy() string            { return StrategySpecify }

// SetPin repoints a SPECIFY balancer at a different target id. No-op on
// other strategies.
func SetPin(b Balancer, port int) {
	if s, ok := b.(*specifyBalancer); ok {
		s.pin = port
	}
}

// balancerRef is a concurrency-safe holder for a Balancer that can be
// swapped out from under live readers. SetStrategy (spec §4.2's "replace
// the balancer" escape hatch) stores a freshly built Balancer here while
// accept goroutines and health-check scans are concurrently loading it.
type balancerRef struct {
	ptr atomic.Pointer[Balancer]
}

func newBalancerRef(b Balancer) *balancerRef {
	r := &balancerRef{}
	r.Store(b)
	return r
}

func (r *balancerRef) Load() Balancer { return *r.ptr.Load() }

func (r *balancerRef) Store(b Balancer) { r.ptr.Store(&b) }
