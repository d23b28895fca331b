package resilience

import (
	"errors"
	"sync"
	"testing"
	"time"
)

var errTest = errors.New("log unavailable")

// fakeClock drives Breaker.now.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(maxFailures int) (*Breaker, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := NewBreaker(maxFailures, time.Second)
	b.now = clk.now
	return b, clk
}

func fail() error    { return errTest }
func succeed() error { return nil }

func TestBreakerSequences(t *testing.T) {
	// Each step is a call outcome ('f' fail, 's' succeed) or '>' to move
	// past the open timeout. want is the state after the last step.
	tests := []struct {
		name  string
		steps string
		want  State
	}{
		{"closed by default", "", StateClosed},
		{"below threshold stays closed", "ff", StateClosed},
		{"threshold opens", "fff", StateOpen},
		{"success resets count", "ffsff", StateClosed},
		{"timeout shows half-open", "fff>", StateHalfOpen},
		{"half-open success closes", "fff>s", StateClosed},
		{"half-open failure reopens", "fff>f", StateOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, clk := newTestBreaker(3)
			for _, step := range tt.steps {
				switch step {
				case 'f':
					_ = b.Execute(fail)
				case 's':
					_ = b.Execute(succeed)
				case '>':
					clk.advance(2 * time.Second)
				}
			}
			if got := b.State(); got != tt.want {
				t.Fatalf("state after %q = %s, want %s", tt.steps, got, tt.want)
			}
		})
	}
}

func TestOpenRejectsWithoutCalling(t *testing.T) {
	b, _ := newTestBreaker(1)
	_ = b.Execute(fail)

	called := false
	err := b.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Fatal("fn must not run while open")
	}
}

func TestExecuteReturnsFnError(t *testing.T) {
	b, _ := newTestBreaker(5)
	if err := b.Execute(fail); !errors.Is(err, errTest) {
		t.Fatalf("expected fn error, got %v", err)
	}
}

func TestHalfOpenAdmitsSingleProbe(t *testing.T) {
	b, clk := newTestBreaker(1)
	_ = b.Execute(fail)
	clk.advance(2 * time.Second)

	trialStarted := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = b.Execute(func() error {
			close(trialStarted)
			<-release
			return nil
		})
	}()
	<-trialStarted

	if err := b.Execute(succeed); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("second call while half-open call runs: expected ErrCircuitOpen, got %v", err)
	}

	close(release)
	wg.Wait()
	if err := b.Execute(succeed); err != nil {
		t.Fatalf("expected closed circuit after probe success, got %v", err)
	}
}

func TestOnStateChange(t *testing.T) {
	b, clk := newTestBreaker(1)

	var transitions []string
	b.OnStateChange(func(from, to State) {
		transitions = append(transitions, from.String()+"->"+to.String())
	})

	_ = b.Execute(fail)
	clk.advance(2 * time.Second)
	_ = b.Execute(succeed)

	want := []string{"closed->open", "open->half-open", "half-open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, transitions[i], want[i])
		}
	}
}
