package presence

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/natsserver"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func connectBus(t *testing.T) *bus.Client {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Host: "127.0.0.1", Port: -1}, testLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, testLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func newRegistry(t *testing.T, client *bus.Client, id string, opts Options) *Registry {
	t.Helper()
	cfg := config.NodeConfig{ID: id, HeartbeatInterval: 20, HeartbeatTimeout: 200}
	r, err := NewRegistry(context.Background(), cfg, opts, client, testLogger())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(r.Close)
	return r
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPeersDiscoverEachOther(t *testing.T) {
	client := connectBus(t)

	var mu sync.Mutex
	active := 0
	first := newRegistry(t, client, "alpha", Options{
		Collaborators: map[string]string{"llm": "ollama", "tts": "voicevox"},
		MaxConcurrent: 4,
		ActiveSessions: func() int {
			mu.Lock()
			defer mu.Unlock()
			return active
		},
	})
	second := newRegistry(t, client, "beta", Options{
		Collaborators: map[string]string{"llm": "openai", "tts": "edge"},
		MaxConcurrent: 2,
	})

	waitFor(t, "late joiner to learn about alpha", func() bool {
		return len(second.Query(nil)) == 2
	})
	waitFor(t, "alpha to learn about beta", func() bool {
		return len(first.Query(WithCollaborator("tts", "edge"))) == 1
	})

	mu.Lock()
	active = 3
	mu.Unlock()
	waitFor(t, "heartbeat to carry session count", func() bool {
		nodes := second.Query(func(n Node) bool { return n.ID == "alpha" })
		return len(nodes) == 1 && nodes[0].ActiveSessions == 3 && nodes[0].MaxConcurrent == 4
	})

	if !first.Healthy() || !second.Healthy() {
		t.Fatal("both registries should report themselves healthy")
	}
	nodes := first.Query(Healthy)
	if len(nodes) != 2 || nodes[0].ID != "alpha" || nodes[1].ID != "beta" {
		t.Fatalf("unexpected nodes %+v", nodes)
	}
}

func TestEvaluateHealthMarksSilentNodes(t *testing.T) {
	r := &Registry{
		cfg:   config.NodeConfig{ID: "self", HeartbeatTimeout: 1000},
		log:   testLogger(),
		nodes: make(map[string]*Node),
	}
	now := time.Unix(1000, 0)
	r.clock = func() time.Time { return now }

	r.updateNode("self", map[string]string{"llm": "mock"}, 1, 0, now)
	r.updateNode("quiet", nil, 0, 2, now.Add(-5*time.Second))
	r.evaluateHealth()

	if !r.Healthy() {
		t.Fatal("self should stay healthy")
	}
	if got := r.Query(Healthy); len(got) != 1 || got[0].ID != "self" {
		t.Fatalf("healthy nodes = %+v", got)
	}
	if nodes, sessions := r.snapshotCounts(); nodes != 1 || sessions != 0 {
		t.Fatalf("snapshot = %d nodes, %d sessions", nodes, sessions)
	}

	// a later message revives the node and keeps fields it did not carry
	r.updateNode("quiet", nil, 0, -1, now)
	got := r.Query(func(n Node) bool { return n.ID == "quiet" })
	if len(got) != 1 || !got[0].Healthy || got[0].ActiveSessions != 2 {
		t.Fatalf("revived node = %+v", got)
	}
}
