package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
)

// Node is what the registry knows about one narrator process.
type Node struct {
	ID             string
	Collaborators  map[string]string
	MaxConcurrent  int
	ActiveSessions int
	LastSeen       time.Time
	Healthy        bool
}

// Options describe the local node.
type Options struct {
	Collaborators  map[string]string
	MaxConcurrent  int
	ActiveSessions func() int
}

// Registry announces the local narrator on the bus and tracks its peers through heartbeats.
type Registry struct {
	cfg    config.NodeConfig
	opts   Options
	log    *slog.Logger
	bus    *bus.Client
	clock  func() time.Time
	mu     sync.RWMutex
	nodes  map[string]*Node
	cancel context.CancelFunc
	wg     sync.WaitGroup
	subs   []*nats.Subscription
	meter  metric.Meter
}

func NewRegistry(ctx context.Context, cfg config.NodeConfig, opts Options, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:    cfg,
		opts:   opts,
		log:    log.With(slog.String("component", "presence")),
		bus:    busClient,
		clock:  time.Now,
		nodes:  make(map[string]*Node),
		meter:  otel.Meter("github.com/loqalabs/loqa-narrator/presence"),
		cancel: cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.cancel()
		return nil, err
	}

	r.wg.Add(2)
	go r.runHeartbeat(ctx)
	go r.monitorHealth(ctx)

	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}
	return r, nil
}

func (r *Registry) Close() {
	r.cancel()
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
	r.wg.Wait()
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(protocol.SubjectNodeAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(protocol.SubjectNodeHeartbeatPrefix+".*", r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)
	return nil
}

func (r *Registry) runHeartbeat(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(time.Duration(r.cfg.HeartbeatInterval) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Registry) monitorHealth(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluateHealth()
		}
	}
}

func (r *Registry) announce() error {
	msg := protocol.NodeAnnounce{
		NodeID:        r.cfg.ID,
		Collaborators: r.opts.Collaborators,
		MaxConcurrent: r.opts.MaxConcurrent,
		Timestamp:     r.clock().UTC(),
	}
	r.updateNode(msg.NodeID, msg.Collaborators, msg.MaxConcurrent, r.activeSessions(), msg.Timestamp)
	return r.bus.PublishJSON(protocol.SubjectNodeAnnounce, msg)
}

func (r *Registry) publishHeartbeat() error {
	msg := protocol.NodeHeartbeat{
		NodeID:         r.cfg.ID,
		ActiveSessions: r.activeSessions(),
		Timestamp:      r.clock().UTC(),
	}
	r.updateNode(msg.NodeID, nil, 0, msg.ActiveSessions, msg.Timestamp)
	return r.bus.PublishJSON(protocol.HeartbeatSubject(r.cfg.ID), msg)
}

// handleAnnounce records a peer. A peer seen for the first time gets our own announcement
// back so late joiners learn about nodes that started before them.
func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announcement protocol.NodeAnnounce
	if err := json.Unmarshal(msg.Data, &announcement); err != nil {
		r.log.Warn("invalid announce message", slog.String("error", err.Error()))
		return
	}
	if announcement.NodeID == "" || announcement.NodeID == r.cfg.ID {
		return
	}
	if announcement.Timestamp.IsZero() {
		announcement.Timestamp = r.clock().UTC()
	}
	known := r.known(announcement.NodeID)
	r.updateNode(announcement.NodeID, announcement.Collaborators, announcement.MaxConcurrent, -1, announcement.Timestamp)
	if !known {
		r.log.Info("narrator joined", slog.String("node_id", announcement.NodeID))
		if err := r.announce(); err != nil {
			r.log.Warn("failed to answer announce", slog.String("error", err.Error()))
		}
	}
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb protocol.NodeHeartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid heartbeat message", slog.String("error", err.Error()))
		return
	}
	if hb.NodeID == "" || hb.NodeID == r.cfg.ID {
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = r.clock().UTC()
	}
	r.updateNode(hb.NodeID, nil, 0, hb.ActiveSessions, hb.Timestamp)
}

func (r *Registry) known(nodeID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.nodes[nodeID]
	return ok
}

// updateNode merges what a message carried. Zero values and a negative session count leave
// the stored fields untouched.
func (r *Registry) updateNode(nodeID string, collaborators map[string]string, maxConcurrent, active int, timestamp time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		node = &Node{ID: nodeID}
		r.nodes[nodeID] = node
	}
	if len(collaborators) > 0 {
		node.Collaborators = collaborators
	}
	if maxConcurrent > 0 {
		node.MaxConcurrent = maxConcurrent
	}
	if active >= 0 {
		node.ActiveSessions = active
	}
	node.LastSeen = timestamp
	node.Healthy = true
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	now := r.clock()
	for _, node := range r.nodes {
		if node.Healthy && now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
			r.log.Warn("narrator missed heartbeats", slog.String("node_id", node.ID))
		}
	}
}

// Healthy reports whether the local node is still heartbeating.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[r.cfg.ID]
	return ok && node.Healthy
}

// Query returns a copy of every node accepted by filter, ordered by id.
func (r *Registry) Query(filter func(Node) bool) []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []Node
	for _, node := range r.nodes {
		n := *node
		if filter == nil || filter(n) {
			results = append(results, n)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results
}

// WithCollaborator matches nodes that drive kind (llm, tts, stt) in the given mode.
func WithCollaborator(kind, mode string) func(Node) bool {
	return func(node Node) bool {
		return node.Collaborators[kind] == mode
	}
}

func Healthy(node Node) bool { return node.Healthy }

func (r *Registry) activeSessions() int {
	if r.opts.ActiveSessions == nil {
		return 0
	}
	return r.opts.ActiveSessions()
}

func (r *Registry) initMetrics() error {
	nodeGauge, err := r.meter.Int64ObservableGauge("narrator.nodes", metric.WithDescription("Healthy narrators seen on the bus"))
	if err != nil {
		return err
	}
	sessionGauge, err := r.meter.Int64ObservableGauge("narrator.nodes.sessions", metric.WithDescription("Active sessions across healthy narrators"))
	if err != nil {
		return err
	}
	_, err = r.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		nodes, sessions := r.snapshotCounts()
		obs.ObserveInt64(nodeGauge, nodes)
		obs.ObserveInt64(sessionGauge, sessions)
		return nil
	}, nodeGauge, sessionGauge)
	return err
}

func (r *Registry) snapshotCounts() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var nodes, sessions int64
	for _, node := range r.nodes {
		if !node.Healthy {
			continue
		}
		nodes++
		sessions += int64(node.ActiveSessions)
	}
	return nodes, sessions
}
