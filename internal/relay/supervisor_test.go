package relay

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/tickbridge/relay/internal/model"
)

func TestDefaultSupervisorConfig(t *testing.T) {
	cfg := DefaultSupervisorConfig()

	if cfg.Heartbeat != 30*time.Second {
		t.Errorf("Heartbeat = %v, want 30s", cfg.Heartbeat)
	}
	if cfg.TransportIdle != 60*time.Second {
		t.Errorf("TransportIdle = %v, want 60s", cfg.TransportIdle)
	}
	if cfg.SessionIdle != 5*time.Minute {
		t.Errorf("SessionIdle = %v, want 5m", cfg.SessionIdle)
	}
	if cfg.SweepInterval != 5*time.Second {
		t.Errorf("SweepInterval = %v, want 5s", cfg.SweepInterval)
	}
}

func TestNewSupervisor_Defaults(t *testing.T) {
	s := NewSupervisor(SupervisorConfig{}, newTestHub(t), nil)
	if s.logger == nil {
		t.Error("logger should not be nil")
	}
	if s.cfg.Heartbeat != 30*time.Second {
		t.Errorf("zero Heartbeat not defaulted: %v", s.cfg.Heartbeat)
	}
}

func TestBroadcastHeartbeat_AuthedOnly(t *testing.T) {
	h := newTestHub(t)
	authed := registerAuthed(t, h, "warm", RoleConsumer)
	cold := register(t, h, "cold", RoleConsumer)

	if sent := h.broadcastHeartbeat(); sent != 1 {
		t.Errorf("broadcastHeartbeat reached %d sessions, want 1", sent)
	}

	msgs := authed.snapshot()
	if len(msgs) != 1 {
		t.Fatalf("authed consumer got %d messages, want 1", len(msgs))
	}
	var hb model.Heartbeat
	if err := json.Unmarshal(msgs[0], &hb); err != nil {
		t.Fatalf("unmarshal heartbeat: %v", err)
	}
	if hb.Type != model.KindHeartbeat || hb.Time == 0 {
		t.Errorf("heartbeat = %+v", hb)
	}

	if len(cold.snapshot()) != 0 {
		t.Error("unauthenticated session should not receive heartbeats")
	}
}

func TestBroadcastHeartbeat_FullQueueKills(t *testing.T) {
	h := newTestHub(t)
	stuck := registerAuthed(t, h, "stuck", RoleConsumer)
	stuck.setFull(true)

	if sent := h.broadcastHeartbeat(); sent != 0 {
		t.Errorf("sent = %d, want 0", sent)
	}
	if got := stuck.killedReasons(); len(got) != 1 || got[0] != "send queue full" {
		t.Errorf("kills = %v, want queue-full kill", got)
	}
}

func TestSweepIdle(t *testing.T) {
	h := newTestHub(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return base }

	fresh := register(t, h, "fresh", RoleConsumer)
	dead := register(t, h, "dead", RoleConsumer)
	quiet := register(t, h, "quiet", RoleConsumer)

	fresh.setTransport(base)
	dead.setTransport(base.Add(-2 * time.Minute))
	// Frames keep flowing but nothing parses as a message.
	quiet.setTransport(base)
	h.conns["quiet"].lastSession = base.Add(-10 * time.Minute)

	n := h.sweepIdle(60*time.Second, 5*time.Minute)
	if n != 2 {
		t.Fatalf("sweepIdle evicted %d sessions, want 2", n)
	}

	if got := dead.killedReasons(); len(got) != 1 || got[0] != "transport idle" {
		t.Errorf("dead kills = %v, want transport idle", got)
	}
	if got := quiet.killedReasons(); len(got) != 1 || got[0] != "session idle" {
		t.Errorf("quiet kills = %v, want session idle", got)
	}
	if got := fresh.killedReasons(); len(got) != 0 {
		t.Errorf("fresh kills = %v, want none", got)
	}
}

func TestSweepIdle_TransportWinsOverSession(t *testing.T) {
	h := newTestHub(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return base }

	gone := register(t, h, "gone", RoleConsumer)
	gone.setTransport(base.Add(-20 * time.Minute))
	h.conns["gone"].lastSession = base.Add(-20 * time.Minute)

	h.sweepIdle(60*time.Second, 5*time.Minute)

	// Both clocks are stale; the transport verdict is reported.
	if got := gone.killedReasons(); len(got) != 1 || got[0] != "transport idle" {
		t.Errorf("kills = %v, want transport idle", got)
	}
}

func TestExpireHistory(t *testing.T) {
	h := NewHub(HubConfig{HistoryTimeout: 30 * time.Second}, nil)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return base }

	registerAuthed(t, h, "prod", RoleProducer)
	cons := registerAuthed(t, h, "c1", RoleConsumer)

	raw, _ := json.Marshal(model.KlinesQuery{Type: model.KindGetKlines, Symbol: "BTCUSD", Timeframe: "M1"})
	if _, err := h.RequestHistory("c1", raw); err != nil {
		t.Fatalf("RequestHistory failed: %v", err)
	}

	// Not yet due.
	h.now = func() time.Time { return base.Add(29 * time.Second) }
	if n := h.expireHistory(); n != 0 {
		t.Fatalf("expireHistory = %d before the deadline, want 0", n)
	}

	h.now = func() time.Time { return base.Add(31 * time.Second) }
	if n := h.expireHistory(); n != 1 {
		t.Fatalf("expireHistory = %d after the deadline, want 1", n)
	}
	if len(h.pending) != 0 {
		t.Error("expired ticket should be removed")
	}

	msgs := cons.snapshot()
	if len(msgs) != 1 {
		t.Fatalf("consumer got %d messages, want 1 timeout notice", len(msgs))
	}
	var em model.ErrorMessage
	if err := json.Unmarshal(msgs[0], &em); err != nil {
		t.Fatalf("unmarshal notice: %v", err)
	}
	if em.Message != "history request timed out" {
		t.Errorf("notice = %q", em.Message)
	}
}

func TestSupervisor_StartStop(t *testing.T) {
	h := newTestHub(t)
	sink := registerAuthed(t, h, "c1", RoleConsumer)

	cfg := SupervisorConfig{
		Heartbeat:     50 * time.Millisecond,
		TransportIdle: time.Minute,
		SessionIdle:   5 * time.Minute,
		SweepInterval: 50 * time.Millisecond,
	}
	s := NewSupervisor(cfg, h, nil)

	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Wait for at least one heartbeat tick.
	time.Sleep(150 * time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	found := false
	for _, kind := range sink.kinds() {
		if kind == model.KindHeartbeat {
			found = true
			break
		}
	}
	if !found {
		t.Error("no heartbeat arrived while the supervisor ran")
	}
}
