package fsm_test

import (
	"strings"
	"sync"
	"testing"

	"github.com/idscp2/idscp2-go/pkg/fsm"
)

func pass(fsm.Event) bool { return true }
func fail(fsm.Event) bool { return false }

func TestFirstStateIsInitial(t *testing.T) {
	m := fsm.New()
	m.AddState("A")
	m.AddState("B")

	if got := m.CurrentState(); got != "A" {
		t.Fatalf("CurrentState() = %q, want A", got)
	}
	if got := m.InitialState(); got != "A" {
		t.Fatalf("InitialState() = %q, want A", got)
	}

	m.SetInitialState("B")
	if got := m.CurrentState(); got != "B" {
		t.Errorf("CurrentState() after SetInitialState = %q, want B", got)
	}
}

func TestTransitionTakenIffGuardPasses(t *testing.T) {
	tests := []struct {
		name      string
		guard     fsm.Guard
		wantState fsm.State
		wantRes   fsm.Result
		wantOK    int
		wantFail  int
	}{
		{"guard passes", pass, "B", fsm.ResultTransitioned, 1, 0},
		{"guard fails", fail, "A", fsm.ResultGuardFailed, 0, 1},
		{"nil guard", nil, "B", fsm.ResultTransitioned, 1, 0},
		{"guard panics", func(fsm.Event) bool { panic("boom") }, "A", fsm.ResultGuardFailed, 0, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := fsm.New()
			m.AddState("A")
			m.AddState("B")
			m.AddTransition("GO", "A", "B", tt.guard)

			var ok, failed int
			m.OnSuccess(func(from, to fsm.State, evt fsm.Event) { ok++ })
			m.OnFailure(func(from, to fsm.State, evt fsm.Event) {
				failed++
				if from != to {
					t.Errorf("failure listener got from=%q to=%q, want equal", from, to)
				}
			})

			res := m.FeedEvent(fsm.NewEvent("GO"))
			if res != tt.wantRes {
				t.Errorf("FeedEvent() = %s, want %s", res, tt.wantRes)
			}
			if got := m.CurrentState(); got != tt.wantState {
				t.Errorf("CurrentState() = %q, want %q", got, tt.wantState)
			}
			if ok != tt.wantOK || failed != tt.wantFail {
				t.Errorf("listeners ok=%d failed=%d, want ok=%d failed=%d", ok, failed, tt.wantOK, tt.wantFail)
			}
		})
	}
}

func TestUnhandledEventIsDropped(t *testing.T) {
	m := fsm.New()
	m.AddState("A")
	m.AddState("B")
	m.AddTransition("GO", "A", "B", pass)

	var dropped []fsm.EventKey
	m.OnUnhandled(func(from, to fsm.State, evt fsm.Event) { dropped = append(dropped, evt.Key) })
	m.OnFailure(func(from, to fsm.State, evt fsm.Event) { t.Error("failure listener must not fire") })

	if res := m.FeedEvent(fsm.NewEvent("UNKNOWN")); res != fsm.ResultUnhandled {
		t.Fatalf("FeedEvent() = %s, want UNHANDLED", res)
	}
	if m.CurrentState() != "A" {
		t.Errorf("state changed on unhandled event: %q", m.CurrentState())
	}
	if len(dropped) != 1 || dropped[0] != "UNKNOWN" {
		t.Errorf("unhandled listener got %v", dropped)
	}
}

func TestHookOrder(t *testing.T) {
	var calls []string
	record := func(s string) fsm.Hook { return func() { calls = append(calls, s) } }

	m := fsm.New()
	m.AddState("A", fsm.OnExit(record("exit A")), fsm.OnAlways(record("always A")))
	m.AddState("B", fsm.OnEntry(record("entry B")), fsm.OnAlways(record("always B")), fsm.OnExit(record("exit B")))
	m.AddTransition("GO", "A", "B", func(fsm.Event) bool {
		calls = append(calls, "guard")
		return true
	})
	m.AddTransition("STAY", "B", "B", pass)
	m.OnSuccess(func(from, to fsm.State, evt fsm.Event) {
		calls = append(calls, "success "+string(from)+"->"+string(to))
	})

	m.FeedEvent(fsm.NewEvent("GO"))
	m.FeedEvent(fsm.NewEvent("STAY"))

	want := []string{
		"guard", "exit A", "always B", "entry B", "success A->B",
		"always B", "success B->B",
	}
	if strings.Join(calls, ",") != strings.Join(want, ",") {
		t.Errorf("hook order:\n got  %v\n want %v", calls, want)
	}
}

func TestEpsilonChain(t *testing.T) {
	var entered []fsm.State
	m := fsm.New()
	for _, s := range []fsm.State{"A", "B", "C", "D"} {
		s := s
		m.AddState(s, fsm.OnEntry(func() { entered = append(entered, s) }))
	}
	m.AddTransition("GO", "A", "B", pass)
	m.AddTransition(fsm.Epsilon, "B", "C", pass)
	m.AddTransition(fsm.Epsilon, "C", "D", pass)

	if res := m.FeedEvent(fsm.NewEvent("GO")); res != fsm.ResultTransitioned {
		t.Fatalf("FeedEvent() = %s", res)
	}
	if m.CurrentState() != "D" {
		t.Fatalf("CurrentState() = %q, want D", m.CurrentState())
	}
	if len(entered) != 3 {
		t.Errorf("entered %v, want [B C D]", entered)
	}
}

func TestEpsilonGuardFailureStops(t *testing.T) {
	m := fsm.New()
	m.AddState("A")
	m.AddState("B")
	m.AddState("C")
	m.AddTransition("GO", "A", "B", pass)
	m.AddTransition(fsm.Epsilon, "B", "C", fail)

	if res := m.FeedEvent(fsm.NewEvent("GO")); res != fsm.ResultTransitioned {
		t.Fatalf("FeedEvent() = %s, want TRANSITIONED", res)
	}
	if m.CurrentState() != "B" {
		t.Errorf("CurrentState() = %q, want B", m.CurrentState())
	}
}

func TestEpsilonLoopIsBounded(t *testing.T) {
	m := fsm.New(fsm.WithMaxEpsilonChain(5))
	m.AddState("A")
	m.AddState("B")
	m.AddState("C")
	m.AddTransition("GO", "A", "B", pass)
	m.AddTransition(fsm.Epsilon, "B", "C", pass)
	m.AddTransition(fsm.Epsilon, "C", "B", pass)

	hops := 0
	m.OnSuccess(func(from, to fsm.State, evt fsm.Event) { hops++ })

	if res := m.FeedEvent(fsm.NewEvent("GO")); res != fsm.ResultEpsilonLoop {
		t.Fatalf("FeedEvent() = %s, want EPSILON_LOOP", res)
	}
	if hops != 6 {
		t.Errorf("hops = %d, want 6 (1 + 5 epsilon)", hops)
	}
}

func TestResetReturnsToFirstState(t *testing.T) {
	entries := 0
	m := fsm.New()
	m.AddState("A", fsm.OnEntry(func() { entries++ }))
	m.AddState("B")
	m.AddState("C")
	m.AddTransition("GO", "A", "B", pass)
	m.AddTransition("GO", "B", "C", pass)
	m.AddTransition("BACK", "C", "A", pass)

	for i := 0; i < 3; i++ {
		m.FeedEvent(fsm.NewEvent("GO"))
		m.FeedEvent(fsm.NewEvent("GO"))
		m.FeedEvent(fsm.NewEvent("BACK"))
		m.FeedEvent(fsm.NewEvent("GO"))
	}
	before := entries
	m.Reset()

	if m.CurrentState() != "A" {
		t.Errorf("CurrentState() after Reset = %q, want A", m.CurrentState())
	}
	if entries != before {
		t.Errorf("Reset ran entry hook")
	}
}

func TestSetupErrorsPanic(t *testing.T) {
	tests := []struct {
		name  string
		setup func(m *fsm.Machine)
	}{
		{"duplicate state", func(m *fsm.Machine) { m.AddState("A") }},
		{"unknown start", func(m *fsm.Machine) { m.AddTransition("GO", "X", "A", pass) }},
		{"unknown end", func(m *fsm.Machine) { m.AddTransition("GO", "A", "X", pass) }},
		{"duplicate transition", func(m *fsm.Machine) {
			m.AddTransition("GO", "A", "B", pass)
			m.AddTransition("GO", "A", "A", pass)
		}},
		{"unknown initial", func(m *fsm.Machine) { m.SetInitialState("X") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := fsm.New()
			m.AddState("A")
			m.AddState("B")

			defer func() {
				if recover() == nil {
					t.Error("expected panic")
				}
			}()
			tt.setup(m)
		})
	}
}

func TestToDotHasOneEdgePerTransition(t *testing.T) {
	m := fsm.New()
	m.AddState("A")
	m.AddState("B")
	m.AddState("C")
	m.AddTransition("GO", "A", "B", pass)
	m.AddTransition("BACK", "B", "A", pass)
	m.AddTransition("STAY", "B", "B", pass)
	m.AddTransition(fsm.Epsilon, "C", "A", pass)

	dot := m.ToDot("test")

	if got := strings.Count(dot, "->"); got != len(m.Transitions()) {
		t.Fatalf("edges = %d, want %d\n%s", got, len(m.Transitions()), dot)
	}
	for _, edge := range []string{
		`"A" -> "B" [label="GO"]`,
		`"B" -> "A" [label="BACK"]`,
		`"B" -> "B" [label="STAY"]`,
		`"C" -> "A" [label="ε"]`,
	} {
		if !strings.Contains(dot, edge) {
			t.Errorf("missing edge %s in\n%s", edge, dot)
		}
	}
	if !strings.Contains(dot, `"A" [shape=doublecircle]`) {
		t.Errorf("initial state not marked:\n%s", dot)
	}
}

// TestHandshakeScenario drives a reduced protocol table through a successful
// and a failing attestation.
func TestHandshakeScenario(t *testing.T) {
	build := func() (*fsm.Machine, *string) {
		var cause string
		proverDone := false

		m := fsm.New()
		for _, s := range []fsm.State{"CLOSED", "WAIT_FOR_HELLO", "RAT_EXCHANGE", "ESTABLISHED", "TERMINATED"} {
			m.AddState(s)
		}
		m.AddTransition("START", "CLOSED", "WAIT_FOR_HELLO", pass)
		m.AddTransition("HELLO", "WAIT_FOR_HELLO", "RAT_EXCHANGE", func(evt fsm.Event) bool {
			return string(evt.Payload) == "valid-dat"
		})
		m.AddTransition("PROVER_OK", "RAT_EXCHANGE", "RAT_EXCHANGE", func(fsm.Event) bool {
			proverDone = true
			return true
		})
		m.AddTransition("VERIFIER_OK", "RAT_EXCHANGE", "ESTABLISHED", func(fsm.Event) bool { return proverDone })
		m.AddTransition("PROVER_FAILED", "RAT_EXCHANGE", "TERMINATED", func(fsm.Event) bool {
			cause = "RAT prover failed"
			return true
		})
		return m, &cause
	}

	t.Run("success", func(t *testing.T) {
		m, _ := build()
		m.FeedEvent(fsm.NewEvent("START"))
		m.FeedEvent(fsm.Event{Key: "HELLO", Payload: []byte("valid-dat")})
		m.FeedEvent(fsm.NewEvent("PROVER_OK"))
		m.FeedEvent(fsm.NewEvent("VERIFIER_OK"))
		if m.CurrentState() != "ESTABLISHED" {
			t.Errorf("CurrentState() = %q, want ESTABLISHED", m.CurrentState())
		}
	})

	t.Run("prover failed", func(t *testing.T) {
		m, cause := build()
		m.FeedEvent(fsm.NewEvent("START"))
		m.FeedEvent(fsm.Event{Key: "HELLO", Payload: []byte("valid-dat")})
		m.FeedEvent(fsm.NewEvent("PROVER_FAILED"))
		if m.CurrentState() != "TERMINATED" {
			t.Errorf("CurrentState() = %q, want TERMINATED", m.CurrentState())
		}
		if *cause == "" {
			t.Error("cause not recorded")
		}
	})
}

func TestSerializedFeedNeverObservesTornState(t *testing.T) {
	m := fsm.New()
	m.AddState("A")
	m.AddState("B")
	m.AddTransition("FLIP", "A", "B", pass)
	m.AddTransition("FLIP", "B", "A", pass)

	valid := map[fsm.State]bool{"A": true, "B": true}
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				mu.Lock()
				m.FeedEvent(fsm.NewEvent("FLIP"))
				s := m.CurrentState()
				mu.Unlock()
				if !valid[s] {
					t.Errorf("observed invalid state %q", s)
					return
				}
			}
		}()
	}
	wg.Wait()

	// 8*500 flips is even.
	if m.CurrentState() != "A" {
		t.Errorf("CurrentState() = %q, want A", m.CurrentState())
	}
}
