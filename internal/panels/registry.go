// Package panels tracks the panels found by the current discovery run and
// their live control connections. The registry is epoch-guarded: every
// Reset starts a new epoch, and writes carrying a superseded epoch are
// dropped so a cancelled scan cannot pollute the next one.
package panels

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/panelgrid/panelgrid/pkg/models"
)

// ErrStaleHandle is returned when a handle issued under a superseded epoch
// is used after Reset invalidated it.
var ErrStaleHandle = errors.New("panels: handle invalidated by registry reset")

// ErrUnknownPanel is returned when no entry exists for the requested address.
var ErrUnknownPanel = errors.New("panels: unknown panel address")

// Conn is a live control connection to a panel. The concrete protocol is
// owned by the probe layer; the registry only tracks and invalidates it.
type Conn interface {
	Send(ctx context.Context, cmd models.Command) error
	Close() error
}

// Entry is one registered panel with its last-seen timestamp.
type Entry struct {
	Panel    models.Panel
	LastSeen time.Time
}

type record struct {
	entry Entry
	conn  Conn
}

// Registry is the mutable, resettable table of discovered panels.
type Registry struct {
	mu      sync.RWMutex
	epoch   uint64
	entries map[string]*record
	logger  *zap.Logger
}

// New creates an empty registry at epoch zero.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		entries: make(map[string]*record),
		logger:  logger,
	}
}

// Epoch returns the current registry epoch. Discovery runs capture it once
// at scan start and pass it to every Upsert.
func (r *Registry) Epoch() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.epoch
}

// Reset atomically clears all entries, closes their connections, and starts
// a new epoch. Handles issued under earlier epochs become invalid. Reset is
// idempotent and returns the new epoch.
func (r *Registry) Reset() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	for addr, rec := range r.entries {
		if rec.conn != nil {
			if err := rec.conn.Close(); err != nil {
				r.logger.Debug("closing stale panel connection",
					zap.String("address", addr), zap.Error(err))
			}
		}
	}
	r.entries = make(map[string]*record)
	r.epoch++
	r.logger.Info("panel registry reset", zap.Uint64("epoch", r.epoch))
	return r.epoch
}

// Upsert records a panel discovered under the given epoch. Writes from a
// superseded epoch are dropped and reported as false.
func (r *Registry) Upsert(epoch uint64, panel models.Panel, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if epoch != r.epoch {
		r.logger.Debug("dropping stale panel upsert",
			zap.String("address", panel.Address),
			zap.Uint64("write_epoch", epoch),
			zap.Uint64("current_epoch", r.epoch),
		)
		if conn != nil {
			_ = conn.Close()
		}
		return false
	}

	if prev, ok := r.entries[panel.Address]; ok && prev.conn != nil && prev.conn != conn {
		_ = prev.conn.Close()
	}

	now := time.Now().UTC()
	if panel.LastSeen.IsZero() {
		panel.LastSeen = now
	}
	r.entries[panel.Address] = &record{
		entry: Entry{Panel: panel, LastSeen: now},
		conn:  conn,
	}
	return true
}

// Get returns the entry for an address, if present in the current epoch.
func (r *Registry) Get(address string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.entries[address]
	if !ok {
		return Entry{}, false
	}
	return rec.entry, true
}

// All returns every entry. Ordering is not guaranteed.
func (r *Registry) All() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, len(r.entries))
	for _, rec := range r.entries {
		out = append(out, rec.entry)
	}
	return out
}

// Handle returns an epoch-bound handle to a panel's control connection.
func (r *Registry) Handle(address string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.entries[address]; !ok {
		return nil, false
	}
	return &Handle{registry: r, epoch: r.epoch, address: address}, true
}

// Handle is an epoch-bound reference to a panel connection. It stops working
// the moment the registry is reset.
type Handle struct {
	registry *Registry
	epoch    uint64
	address  string
}

// Address returns the panel address the handle points at.
func (h *Handle) Address() string {
	return h.address
}

// Send forwards one command over the panel's connection. It fails with
// ErrStaleHandle after a reset and ErrUnknownPanel if the entry is gone.
func (h *Handle) Send(ctx context.Context, cmd models.Command) error {
	h.registry.mu.RLock()
	if h.epoch != h.registry.epoch {
		h.registry.mu.RUnlock()
		return ErrStaleHandle
	}
	rec, ok := h.registry.entries[h.address]
	h.registry.mu.RUnlock()

	if !ok || rec.conn == nil {
		return ErrUnknownPanel
	}
	return rec.conn.Send(ctx, cmd)
}
