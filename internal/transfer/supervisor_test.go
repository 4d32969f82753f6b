package transfer

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"
)

func TestNewSupervisorRequiresTargets(t *testing.T) {
	_, err := NewSupervisor(Options{})
	if err == nil {
		t.Fatalf("expected error when targets is empty")
	}
}

func TestNewSupervisorRejectsInvalidHeartbeat(t *testing.T) {
	_, err := NewSupervisor(Options{
		Targets:   []Target{{Port: 1}},
		Heartbeat: []int64{1},
	})
	if err == nil {
		t.Fatalf("expected HeartbeatInvalidError")
	}
	if _, ok := err.(*HeartbeatInvalidError); !ok {
		t.Fatalf("expected *HeartbeatInvalidError, got %T: %v", err, err)
	}
}

func TestSupervisorListenAndStop(t *testing.T) {
	port, stopUpstream := echoUpstream(t)
	defer stopUpstream()

	sup, err := NewSupervisor(Options{
		Port:      0,
		Address:   "127.0.0.1",
		Bind:      "127.0.0.1",
		Strategy:  StrategySpecify,
		Targets:   []Target{{Port: port}},
		Heartbeat: []int64{60_000},
		Upstream:  "127.0.0.1:1", // unreachable but harmless for this test
	})
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}
	SetPin(sup.balancer.Load(), port)

	boundPort, err := sup.Listen()
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(boundPort)))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sup.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if _, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(boundPort)), 200*time.Millisecond); err == nil {
		t.Fatalf("expected no new connections to be accepted after stop")
	}
}

func TestSupervisorSetTargetsReseatsBalancer(t *testing.T) {
	sup, err := NewSupervisor(Options{
		Targets:   []Target{{Port: 1}, {Port: 2}},
		Heartbeat: []int64{60_000},
	})
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}

	sup.SetTargets([]Target{{Port: 3}})
	got := sup.GetTargets()
	if len(got) != 1 || got[0].Port != 3 {
		t.Fatalf("expected registry replaced with [{3}], got %+v", got)
	}
	if tgt, ok := sup.balancer.Load().PickOne(); !ok || tgt.Port != 3 {
		t.Fatalf("expected balancer to only pick members of the new set, got %+v ok=%v", tgt, ok)
	}
}

func TestSupervisorSetStrategySwapsBalancer(t *testing.T) {
	sup, err := NewSupervisor(Options{
		Targets:   []Target{{Port: 1}, {Port: 2}},
		Strategy:  StrategyPolling,
		Heartbeat: []int64{60_000},
	})
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}

	sup.SetStrategy(StrategySpecify, 2)
	if sup.Strategy() != StrategySpecify {
		t.Fatalf("expected strategy SPECIFY, got %s", sup.Strategy())
	}
	tgt, ok := sup.balancer.Load().PickOne()
	if !ok || tgt.Port != 2 {
		t.Fatalf("expected pinned port 2, got %+v ok=%v", tgt, ok)
	}
}

// TestSupervisorConcurrentStrategySwapIsRaceFree exercises SetStrategy
// running concurrently with the accept-path's balancer reads (PickOne,
// OnOpen/OnClose) and the health-check scan's currentTargetSet lookup.
// Run with -race to confirm the balancerRef swap has no data race.
func TestSupervisorConcurrentStrategySwapIsRaceFree(t *testing.T) {
	sup, err := NewSupervisor(Options{
		Targets:   []Target{{Port: 1}, {Port: 2}, {Port: 3}},
		Strategy:  StrategyPolling,
		Heartbeat: []int64{60_000},
	})
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		strategies := []string{StrategyPolling, StrategyRandom, StrategyWeights, StrategyMinimumConnection}
		i := 0
		for {
			select {
			case <-stop:
				return
			default:
				sup.SetStrategy(strategies[i%len(strategies)], 1)
				i++
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				bal := sup.balancer.Load()
				if tgt, ok := bal.PickOne(); ok {
					bal.OnOpen(tgt.Port)
					bal.OnClose(tgt.Port)
				}
				_ = sup.currentTargetSet()
			}
		}
	}()

	time.Sleep(50 * time.Millisecond)
	close(stop)
	wg.Wait()
}

func TestSupervisorSetHeartBeatRejectsBelowMinimum(t *testing.T) {
	sup, err := NewSupervisor(Options{
		Targets:   []Target{{Port: 1}},
		Heartbeat: []int64{60_000},
	})
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}

	if err := sup.SetHeartBeat([]int64{4}); err == nil {
		t.Fatalf("expected HeartbeatInvalidError for value below 5")
	}
	if err := sup.SetHeartBeat([]int64{5}); err != nil {
		t.Fatalf("expected 5 to satisfy the literal threshold, got %v", err)
	}
}

func TestFormatSpeed(t *testing.T) {
	cases := []struct {
		bps  float64
		want string
	}{
		{0, "0 B/s"},
		{512, "512 B/s"},
		{2048, "2.0 KiB/s"},
	}
	for _, c := range cases {
		if got := formatSpeed(c.bps); got != c.want {
			t.Fatalf("formatSpeed(%v) = %q, want %q", c.bps, got, c.want)
		}
	}
}
