package engine

import (
	"context"
	"errors"
	"os"
	"strconv"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/franksops/hdfsconn/errdefs"
)

func TestNameTemplate_Expand(t *testing.T) {
	at := time.Date(2024, 3, 9, 7, 5, 1, 0, time.UTC)
	host, _ := os.Hostname()
	pid := strconv.Itoa(os.Getpid())

	tests := []struct {
		pattern    string
		timeFormat string
		index      uint64
		want       string
		varies     bool
	}{
		{"out/part-%FILENUM.txt", "", 0, "out/part-0.txt", true},
		{"out/part-%FILENUM.txt", "", 12, "out/part-12.txt", true},
		{"out/%TIME.log", "", 0, "out/20240309_070501.log", true},
		{"out/%TIME.log", "2006-01-02", 0, "out/2024-03-09.log", true},
		{"out/%HOST-%PROCID.txt", "", 0, "out/" + host + "-" + pid + ".txt", false},
		{"out/fixed.txt", "", 5, "out/fixed.txt", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			tmpl, err := parseNameTemplate("pattern", tt.pattern, tt.timeFormat)
			if err != nil {
				t.Fatalf("parse failed: %v", err)
			}
			if got := tmpl.expand(tt.index, at); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
			if tmpl.varies() != tt.varies {
				t.Errorf("expected varies=%v", tt.varies)
			}
		})
	}
}

func TestNameTemplate_Invalid(t *testing.T) {
	for _, p := range []string{"", "  ", "out/%DATE.txt", "out/100%"} {
		if _, err := parseNameTemplate("pattern", p, ""); !errors.Is(err, errdefs.ErrConfiguration) {
			t.Errorf("%q: expected configuration error, got %v", p, err)
		}
	}
}

func TestClosePolicy(t *testing.T) {
	opened := time.Unix(1000, 0)
	s := &session{openedAt: opened, records: 3, bytes: 40}

	tests := []struct {
		name    string
		policy  ClosePolicy
		now     time.Time
		reached bool
		window  bool
	}{
		{"punctuation", ClosePolicy{}, opened, false, true},
		{"tuples reached", ClosePolicy{TupleLimit: 3}, opened, true, false},
		{"tuples pending", ClosePolicy{TupleLimit: 4}, opened, false, false},
		{"bytes reached", ClosePolicy{ByteLimit: 40}, opened, true, false},
		{"bytes pending", ClosePolicy{ByteLimit: 41}, opened, false, false},
		{"time reached", ClosePolicy{TimeLimit: 5 * time.Second}, opened.Add(5 * time.Second), true, false},
		{"time pending", ClosePolicy{TimeLimit: 5 * time.Second}, opened.Add(time.Second), false, false},
		{"tuples with punctuation", ClosePolicy{TupleLimit: 10, CloseOnPunctuation: true}, opened, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.policy.Validate(); err != nil {
				t.Fatalf("validate failed: %v", err)
			}
			if got := tt.policy.reached(s, tt.now); got != tt.reached {
				t.Errorf("expected reached=%v, got %v", tt.reached, got)
			}
			if got := tt.policy.closesOnWindow(); got != tt.window {
				t.Errorf("expected closesOnWindow=%v, got %v", tt.window, got)
			}
		})
	}
}

func TestParsePolicyKind(t *testing.T) {
	for in, want := range map[string]PolicyKind{
		"NoRetry":       NoRetry,
		"boundedretry":  BoundedRetry,
		"InfiniteRetry": UnboundedRetry,
		"unbounded":     UnboundedRetry,
	} {
		got, err := ParsePolicyKind(in)
		if err != nil || got != want {
			t.Errorf("%s: expected %v, got %v (%v)", in, want, got, err)
		}
	}
	if _, err := ParsePolicyKind("sometimes"); !errors.Is(err, errdefs.ErrConfiguration) {
		t.Errorf("expected configuration error, got %v", err)
	}
}

func TestReconnectPolicy_Defaults(t *testing.T) {
	p := ReconnectPolicy{}.withDefaults()
	if p != DefaultReconnectPolicy() {
		t.Errorf("expected default policy, got %+v", p)
	}
	p = ReconnectPolicy{Bound: 2}.withDefaults()
	if p.Kind != BoundedRetry || p.Bound != 2 || p.Interval != 10*time.Second {
		t.Errorf("expected explicit bound to survive defaulting, got %+v", p)
	}
}

func TestRetrier_Unbounded(t *testing.T) {
	r := &retrier{
		policy:    ReconnectPolicy{Kind: UnboundedRetry, Interval: time.Millisecond},
		component: "test",
		logger:    zap.NewNop(),
		stats:     &Stats{},
	}
	calls := 0
	err := r.do(context.Background(), "op", "/p", func() error {
		calls++
		if calls < 20 {
			return errors.New("flaky")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 20 {
		t.Errorf("expected 20 calls, got %d", calls)
	}
}

func TestRetrier_CancelledDuringBackoff(t *testing.T) {
	r := &retrier{
		policy:    ReconnectPolicy{Kind: UnboundedRetry, Interval: time.Hour},
		component: "test",
		logger:    zap.NewNop(),
		stats:     &Stats{},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := r.do(ctx, "op", "/p", func() error { return errors.New("down") })
	if errors.Is(err, errdefs.ErrFatal) {
		t.Fatalf("expected cancellation, not a fatal error: %v", err)
	}
	if ctx.Err() == nil {
		t.Fatal("expected the context to be done")
	}
}

func TestRetrier_RejectsNonRetryable(t *testing.T) {
	r := &retrier{
		policy:    fastRetry(5),
		component: "test",
		logger:    zap.NewNop(),
		stats:     &Stats{},
		retryable: errdefs.IsTransient,
	}
	calls := 0
	sentinel := errors.New("not found")
	err := r.do(context.Background(), "op", "/p", func() error {
		calls++
		return sentinel
	})
	if !errors.Is(err, sentinel) || errors.Is(err, errdefs.ErrFatal) {
		t.Errorf("expected the raw error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected a single call, got %d", calls)
	}
}
