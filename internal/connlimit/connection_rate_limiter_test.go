package connlimit

import (
	"testing"

	"github.com/daikichidaze/simple-chatapp/internal/monitoring"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

func newTestLimiter(t *testing.T, cfg Config) *Limiter {
	t.Helper()
	metrics := monitoring.NewMetrics(prometheus.NewRegistry())
	l := New(cfg, metrics, zerolog.Nop())
	t.Cleanup(l.Stop)
	return l
}

func TestLimiterPerIPBurst(t *testing.T) {
	l := newTestLimiter(t, Config{IPBurst: 2, IPRate: 0.001, GlobalBurst: 100, GlobalRate: 100})

	if !l.Allow("1.2.3.4") {
		t.Fatal("first connection from IP should be allowed")
	}
	if !l.Allow("1.2.3.4") {
		t.Fatal("second connection within burst should be allowed")
	}
	if l.Allow("1.2.3.4") {
		t.Fatal("third connection should exceed per-IP burst")
	}
}

func TestLimiterIndependentPerIP(t *testing.T) {
	l := newTestLimiter(t, Config{IPBurst: 1, IPRate: 0.001, GlobalBurst: 100, GlobalRate: 100})

	if !l.Allow("1.1.1.1") {
		t.Fatal("first IP should be allowed")
	}
	if !l.Allow("2.2.2.2") {
		t.Fatal("second, distinct IP should not share the first IP's bucket")
	}
}

func TestLimiterGlobalCap(t *testing.T) {
	l := newTestLimiter(t, Config{IPBurst: 100, IPRate: 100, GlobalBurst: 1, GlobalRate: 0.001})

	if !l.Allow("3.3.3.3") {
		t.Fatal("first connection should consume the sole global token")
	}
	if l.Allow("4.4.4.4") {
		t.Fatal("global burst of 1 should reject a second, different IP immediately")
	}
}
