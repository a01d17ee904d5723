// ABOUTME: Tests for the heartbeat monitor's stale-connection eviction.
// ABOUTME: Drives sweeps with explicit clocks for determinism.

package heartbeat

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/glasswing-io/dbtunnel/internal/protocol"
	"github.com/glasswing-io/dbtunnel/internal/registry"
)

type nopTransport struct{}

func (nopTransport) WriteMessage(ctx context.Context, msg *protocol.Message) error { return nil }
func (nopTransport) Close(reason string) error                                     { return nil }

func TestSweepEvictsSilentConnections(t *testing.T) {
	reg := registry.NewRegistry(slog.Default())
	conn := registry.NewConn("c1", "T1", "D1", nopTransport{})
	reg.Register(conn)

	mon := New(reg, Options{StaleAfter: 45 * time.Second}, slog.Default())

	// Inside the threshold: still reachable.
	mon.Sweep(time.Now().Add(30 * time.Second))
	if _, ok := reg.Lookup("T1", "D1"); !ok {
		t.Fatal("connection evicted while within the heartbeat threshold")
	}

	// One sweep past the threshold removes it deterministically.
	mon.Sweep(time.Now().Add(46 * time.Second))
	if _, ok := reg.Lookup("T1", "D1"); ok {
		t.Error("silent connection survived the sweep")
	}
	if conn.State() != registry.StateClosed {
		t.Errorf("evicted connection state = %s, want closed", conn.State())
	}
}

func TestHeartbeatKeepsConnectionAlive(t *testing.T) {
	reg := registry.NewRegistry(slog.Default())
	conn := registry.NewConn("c1", "T1", "D1", nopTransport{})
	reg.Register(conn)

	mon := New(reg, Options{StaleAfter: 40 * time.Millisecond}, slog.Default())

	// Heartbeats arriving inside the threshold keep resetting the clock.
	for i := 0; i < 5; i++ {
		time.Sleep(10 * time.Millisecond)
		conn.Touch()
		mon.Sweep(time.Now())
	}
	if _, ok := reg.Lookup("T1", "D1"); !ok {
		t.Error("heartbeating connection was evicted")
	}
}

func TestSweepOnlyTouchesStaleConnections(t *testing.T) {
	reg := registry.NewRegistry(slog.Default())
	silent := registry.NewConn("silent", "T1", "D1", nopTransport{})
	alive := registry.NewConn("alive", "T2", "D2", nopTransport{})
	reg.Register(silent)
	reg.Register(alive)

	mon := New(reg, Options{StaleAfter: 100 * time.Millisecond}, slog.Default())

	time.Sleep(120 * time.Millisecond)
	alive.Touch()
	mon.Sweep(time.Now())

	if _, ok := reg.Lookup("T1", "D1"); ok {
		t.Error("silent connection survived")
	}
	if _, ok := reg.Lookup("T2", "D2"); !ok {
		t.Error("recently heard connection was evicted")
	}
}
