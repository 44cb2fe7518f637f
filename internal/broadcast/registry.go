package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/trailblazer/internal/adapter/metrics"
	"github.com/pscheid92/trailblazer/internal/domain"
)

const (
	commandTimeout = 5 * time.Second
	stopTimeout    = 10 * time.Second
	cmdBufferSize  = 256
)

var (
	ErrRegistryStopped = errors.New("overlay registry stopped")
	ErrOwnerFull       = errors.New("too many overlay connections for owner")
)

// Message is one push to an overlay: an event name and its JSON data.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Conn is one open overlay connection.
type Conn interface {
	// Send enqueues msg without blocking. False means the connection's buffer is full.
	Send(msg Message) bool
	// Close ends the connection from the server side. Safe to call more than once.
	Close(reason string)
	// Done is closed once the connection has ended for any reason.
	Done() <-chan struct{}
}

// KeySource returns the current overlay key of an owner's widget.
type KeySource func(ctx context.Context, ownerID uuid.UUID) (string, error)

type ownerConns map[Conn]struct{}

type registryCmd interface{ isRegistryCmd() }

type baseRegistryCmd struct{}

func (baseRegistryCmd) isRegistryCmd() {}

type registerCmd struct {
	baseRegistryCmd
	ownerID uuid.UUID
	conn    Conn
	reply   chan error
}

type unregisterCmd struct {
	baseRegistryCmd
	ownerID uuid.UUID
	conn    Conn
}

type evictCmd struct {
	baseRegistryCmd
	ownerID uuid.UUID
	reason  string
	reply   chan int
}

type deliverCmd struct {
	baseRegistryCmd
	ownerID uuid.UUID
	msg     Message
	reply   chan int
}

type countCmd struct {
	baseRegistryCmd
	ownerID uuid.UUID
	reply   chan int
}

type stopCmd struct {
	baseRegistryCmd
}

// Registry tracks the overlays of one widget kind connected to this instance.
type Registry struct {
	kind        domain.WidgetKind
	keys        KeySource
	clock       clockwork.Clock
	metrics     *metrics.OverlayMetrics
	maxPerOwner int

	cmdCh chan registryCmd
	done  chan struct{}
	conns map[uuid.UUID]ownerConns
}

// NewRegistry starts the registry actor. maxPerOwner <= 0 disables the per-owner cap.
func NewRegistry(kind domain.WidgetKind, keys KeySource, clock clockwork.Clock, m *metrics.OverlayMetrics, maxPerOwner int) *Registry {
	r := &Registry{
		kind:        kind,
		keys:        keys,
		clock:       clock,
		metrics:     m,
		maxPerOwner: maxPerOwner,
		cmdCh:       make(chan registryCmd, cmdBufferSize),
		done:        make(chan struct{}),
		conns:       make(map[uuid.UUID]ownerConns),
	}
	go r.run()
	return r
}

func (r *Registry) Kind() domain.WidgetKind { return r.kind }

// Authorize compares key with the widget's current overlay key.
// An owner without a widget of this kind is simply unauthorized.
func (r *Registry) Authorize(ctx context.Context, ownerID uuid.UUID, key string) (bool, error) {
	if key == "" {
		return false, nil
	}
	current, err := r.keys(ctx, ownerID)
	if errors.Is(err, domain.ErrWidgetNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load overlay key: %w", err)
	}
	return current == key, nil
}

func (r *Registry) Register(ownerID uuid.UUID, conn Conn) error {
	reply := make(chan error, 1)
	if !r.send(registerCmd{ownerID: ownerID, conn: conn, reply: reply}) {
		return ErrRegistryStopped
	}
	select {
	case err := <-reply:
		return err
	case <-r.clock.After(commandTimeout):
		return fmt.Errorf("register command timed out after %v", commandTimeout)
	case <-r.done:
		return ErrRegistryStopped
	}
}

// Unregister is idempotent; unknown connections are ignored.
func (r *Registry) Unregister(ownerID uuid.UUID, conn Conn) {
	r.send(unregisterCmd{ownerID: ownerID, conn: conn})
}

// EvictAll closes every connection of ownerID and returns how many there were.
func (r *Registry) EvictAll(ownerID uuid.UUID) int {
	return r.ask(func(reply chan int) registryCmd {
		return evictCmd{ownerID: ownerID, reason: "evicted", reply: reply}
	})
}

// Deliver pushes msg to every connection of ownerID and returns how many accepted it.
func (r *Registry) Deliver(ownerID uuid.UUID, msg Message) int {
	return r.ask(func(reply chan int) registryCmd {
		return deliverCmd{ownerID: ownerID, msg: msg, reply: reply}
	})
}

// Count returns -1 when the registry does not answer in time.
func (r *Registry) Count(ownerID uuid.UUID) int {
	return r.ask(func(reply chan int) registryCmd {
		return countCmd{ownerID: ownerID, reply: reply}
	})
}

func (r *Registry) ask(build func(chan int) registryCmd) int {
	reply := make(chan int, 1)
	if !r.send(build(reply)) {
		return 0
	}
	select {
	case n := <-reply:
		return n
	case <-r.clock.After(commandTimeout):
		slog.Warn("Overlay registry command timed out", "kind", r.kind, "timeout", commandTimeout)
		return -1
	case <-r.done:
		return 0
	}
}

func (r *Registry) send(cmd registryCmd) bool {
	select {
	case <-r.done:
		return false
	default:
	}
	select {
	case r.cmdCh <- cmd:
		return true
	case <-r.done:
		return false
	}
}

// Stop closes every connection and ends the actor. Later calls are no-ops.
func (r *Registry) Stop() {
	if !r.send(stopCmd{}) {
		return
	}

	select {
	case <-r.done:
		slog.Info("Overlay registry stopped", "kind", r.kind)
	case <-r.clock.After(stopTimeout):
		slog.Warn("Overlay registry stop timeout exceeded", "kind", r.kind, "timeout", stopTimeout)
	}
}

func (r *Registry) run() {
	defer close(r.done)
	defer func() {
		if p := recover(); p != nil {
			slog.Error("Overlay registry panic recovered", "kind", r.kind, "panic", p)
			r.closeAll("registry failure")
		}
	}()

	for cmd := range r.cmdCh {
		switch c := cmd.(type) {
		case registerCmd:
			c.reply <- r.handleRegister(c)
		case unregisterCmd:
			r.handleUnregister(c.ownerID, c.conn)
		case evictCmd:
			c.reply <- r.handleEvict(c.ownerID, c.reason)
		case deliverCmd:
			c.reply <- r.handleDeliver(c.ownerID, c.msg)
		case countCmd:
			c.reply <- len(r.conns[c.ownerID])
		case stopCmd:
			r.closeAll("server shutting down")
			return
		default:
			slog.Warn("Overlay registry received unknown command", "command_type", fmt.Sprintf("%T", cmd))
		}
	}
}

func (r *Registry) handleRegister(c registerCmd) error {
	conns, ok := r.conns[c.ownerID]
	if !ok {
		conns = make(ownerConns)
		r.conns[c.ownerID] = conns
	}
	if r.maxPerOwner > 0 && len(conns) >= r.maxPerOwner {
		r.metrics.Rejected.WithLabelValues("owner_limit").Inc()
		return ErrOwnerFull
	}

	conns[c.conn] = struct{}{}
	r.metrics.ActiveConnections.WithLabelValues(string(r.kind)).Inc()
	slog.Debug("Overlay registered", "kind", r.kind, "owner_id", c.ownerID.String(), "connections", len(conns))
	return nil
}

func (r *Registry) handleUnregister(ownerID uuid.UUID, conn Conn) {
	conns, ok := r.conns[ownerID]
	if !ok {
		return
	}
	if _, ok := conns[conn]; !ok {
		return
	}

	delete(conns, conn)
	r.metrics.ActiveConnections.WithLabelValues(string(r.kind)).Dec()
	if len(conns) == 0 {
		delete(r.conns, ownerID)
	}
	slog.Debug("Overlay unregistered", "kind", r.kind, "owner_id", ownerID.String(), "remaining", len(conns))
}

// handleEvict detaches the set before closing so a connection unregistering itself
// finds nothing left to remove.
func (r *Registry) handleEvict(ownerID uuid.UUID, reason string) int {
	conns := r.conns[ownerID]
	delete(r.conns, ownerID)

	for conn := range conns {
		conn.Close(reason)
	}
	if n := len(conns); n > 0 {
		r.metrics.ActiveConnections.WithLabelValues(string(r.kind)).Sub(float64(n))
		r.metrics.Evictions.WithLabelValues(string(r.kind), reason).Add(float64(n))
		slog.Info("Overlays evicted", "kind", r.kind, "owner_id", ownerID.String(), "count", n)
	}
	return len(conns)
}

func (r *Registry) handleDeliver(ownerID uuid.UUID, msg Message) int {
	conns := r.conns[ownerID]
	delivered := 0
	var slow []Conn
	for conn := range conns {
		if conn.Send(msg) {
			delivered++
			continue
		}
		slow = append(slow, conn)
	}

	for _, conn := range slow {
		slog.Warn("Disconnecting slow overlay", "kind", r.kind, "owner_id", ownerID.String())
		r.metrics.Dropped.WithLabelValues(string(r.kind)).Inc()
		r.metrics.Evictions.WithLabelValues(string(r.kind), "slow").Inc()
		r.handleUnregister(ownerID, conn)
		conn.Close("too slow")
	}

	r.metrics.Delivered.WithLabelValues(string(r.kind)).Add(float64(delivered))
	return delivered
}

func (r *Registry) closeAll(reason string) {
	total := 0
	for ownerID, conns := range r.conns {
		for conn := range conns {
			conn.Close(reason)
		}
		total += len(conns)
		delete(r.conns, ownerID)
	}
	r.metrics.ActiveConnections.WithLabelValues(string(r.kind)).Set(0)
	slog.Info("Overlay registry closed all connections", "kind", r.kind, "connections", total)
}
