package persona

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/persona-relay/backend/internal/logging"
	"github.com/zhouzirui/persona-relay/backend/internal/model/persona"
)

var (
	ErrPersonaNotFound       = errors.New("persona not found")
	ErrNoActivePersonas      = errors.New("no active personas")
	ErrDefaultPersonaMissing = errors.New("default persona missing or inactive")
)

// Options 配置注册表。
type Options struct {
	// DefaultID names the persona new sessions start with. Empty means the first active persona.
	DefaultID string
	// DefaultModel fills in personas that do not pin a model.
	DefaultModel string
	Logger       *zap.Logger
}

// snapshot is immutable once published.
type snapshot struct {
	byID     map[string]persona.Persona
	active   []persona.Persona
	retired  map[string]persona.Persona
	loadedAt time.Time
}

// Registry holds the current persona snapshot. Readers load the pointer and never block;
// Load builds a fresh snapshot and swaps it in.
type Registry struct {
	source Source
	opts   Options
	logger *zap.Logger

	current atomic.Pointer[snapshot]
	loadMu  sync.Mutex
}

// NewRegistry creates an empty registry; call Load before serving turns.
func NewRegistry(source Source, opts Options) *Registry {
	r := &Registry{
		source: source,
		opts:   opts,
		logger: logging.OrNop(opts.Logger).Named("persona"),
	}
	r.current.Store(&snapshot{byID: map[string]persona.Persona{}, retired: map[string]persona.Persona{}})
	return r
}

// Load reads the source and publishes a new snapshot. On failure the previous snapshot stays.
func (r *Registry) Load(ctx context.Context) error {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()

	items, err := r.source.Load(ctx)
	if err != nil {
		return fmt.Errorf("load personas: %w", err)
	}

	next, err := r.buildSnapshot(items, r.current.Load())
	if err != nil {
		return err
	}

	r.current.Store(next)
	if len(next.active) == 0 {
		r.logger.Warn("persona snapshot has no active personas", zap.Int("total", len(next.byID)))
	} else {
		r.logger.Info("persona snapshot published",
			zap.Int("total", len(next.byID)),
			zap.Int("active", len(next.active)),
			zap.Int("retired", len(next.retired)))
	}
	return nil
}

func (r *Registry) buildSnapshot(items []persona.Persona, previous *snapshot) (*snapshot, error) {
	next := &snapshot{
		byID:     make(map[string]persona.Persona, len(items)),
		retired:  make(map[string]persona.Persona),
		loadedAt: time.Now().UTC(),
	}

	for _, p := range items {
		p.ID = strings.TrimSpace(p.ID)
		if p.ID == "" {
			return nil, errors.New("persona with empty id")
		}
		if _, dup := next.byID[p.ID]; dup {
			return nil, fmt.Errorf("duplicate persona id %q", p.ID)
		}
		if p.Temperature < 0 || p.Temperature > 2 {
			return nil, fmt.Errorf("persona %q temperature %.2f out of range [0,2]", p.ID, p.Temperature)
		}
		if p.ModelID == "" {
			p.ModelID = r.opts.DefaultModel
		}
		if p.DisplayName == "" {
			p.DisplayName = p.ID
		}
		next.byID[p.ID] = p
		if p.Active {
			next.active = append(next.active, p)
		}
	}

	sort.SliceStable(next.active, func(i, j int) bool {
		if next.active[i].Order != next.active[j].Order {
			return next.active[i].Order < next.active[j].Order
		}
		return next.active[i].ID < next.active[j].ID
	})

	// 被移除的角色保留下来，已绑定它的会话在下一次切换前仍可使用
	if previous != nil {
		carry := func(p persona.Persona) {
			if _, ok := next.byID[p.ID]; ok {
				return
			}
			p.Active = false
			next.retired[p.ID] = p
		}
		for _, p := range previous.byID {
			carry(p)
		}
		for _, p := range previous.retired {
			carry(p)
		}
	}

	return next, nil
}

// Get resolves a persona by id, including inactive and retired ones.
func (r *Registry) Get(id string) (persona.Persona, error) {
	snap := r.current.Load()
	if p, ok := snap.byID[id]; ok {
		return p, nil
	}
	if p, ok := snap.retired[id]; ok {
		return p, nil
	}
	return persona.Persona{}, fmt.Errorf("%w: %s", ErrPersonaNotFound, id)
}

// ListActive returns the active personas in display order.
func (r *Registry) ListActive() []persona.Persona {
	return append([]persona.Persona(nil), r.current.Load().active...)
}

// IsEligibleTarget reports whether id may be the target of a handoff.
func (r *Registry) IsEligibleTarget(id string) bool {
	p, ok := r.current.Load().byID[id]
	return ok && p.Active
}

// Default returns the persona new sessions start with.
func (r *Registry) Default() (persona.Persona, error) {
	snap := r.current.Load()
	if len(snap.active) == 0 {
		return persona.Persona{}, ErrNoActivePersonas
	}
	if r.opts.DefaultID == "" {
		return snap.active[0], nil
	}
	p, ok := snap.byID[r.opts.DefaultID]
	if !ok || !p.Active {
		return persona.Persona{}, fmt.Errorf("%w: %s", ErrDefaultPersonaMissing, r.opts.DefaultID)
	}
	return p, nil
}

// Healthy reports the fatal-config condition: at least one active persona and a usable default.
func (r *Registry) Healthy() error {
	_, err := r.Default()
	return err
}

// LoadedAt returns when the current snapshot was published.
func (r *Registry) LoadedAt() time.Time {
	return r.current.Load().loadedAt
}
