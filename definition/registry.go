package definition

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-orchestrator"
	"github.com/goliatone/go-orchestrator/store"
)

type definitionID struct {
	firmID  string
	key     string
	version int
}

func (id definitionID) String() string {
	firm := id.firmID
	if firm == "" {
		firm = "shared"
	}
	return fmt.Sprintf("%s/%s@v%d", firm, id.key, id.version)
}

// Option configures a Registry.
type Option func(*Registry)

// WithHandlerResolver makes Register reject definitions whose handler
// references cannot be resolved.
func WithHandlerResolver(resolver orchestrator.HandlerResolver) Option {
	return func(r *Registry) {
		r.resolver = resolver
	}
}

// PinSource reports the digest a definition version had when executions
// first referenced it. store.Store satisfies it.
type PinSource interface {
	LoadDefinitionPin(ctx context.Context, firmID, key string, version int) (*store.DefinitionPin, error)
}

// WithPins makes Register reject a pinned version whose content changed and
// restores the referenced mark for pinned versions.
func WithPins(pins PinSource) Option {
	return func(r *Registry) {
		r.pins = pins
	}
}

// WithClock overrides the registration timestamp source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithLogger sets the registry logger.
func WithLogger(logger orchestrator.Logger) Option {
	return func(r *Registry) {
		r.logger = orchestrator.NormalizeLogger(logger)
	}
}

// Registry is an append-only, in-memory store of immutable definitions.
// Definitions with an empty FirmID are shared with every firm.
type Registry struct {
	mu         sync.RWMutex
	defs       map[definitionID]*orchestrator.Definition
	referenced map[definitionID]bool
	resolver   orchestrator.HandlerResolver
	pins       PinSource
	logger     orchestrator.Logger
	now        func() time.Time
}

var _ orchestrator.DefinitionSource = (*Registry)(nil)

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		defs:       make(map[definitionID]*orchestrator.Definition),
		referenced: make(map[definitionID]bool),
		logger:     orchestrator.NopLogger{},
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Register validates def and stores a frozen copy. Registering an existing
// (firm, key, version) tuple fails with ORCH_DUPLICATE_VERSION.
func (r *Registry) Register(ctx context.Context, def *orchestrator.Definition) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := Validate(def, r.resolver); err != nil {
		return err
	}

	frozen := def.Clone()
	frozen.FirmID = strings.TrimSpace(frozen.FirmID)
	frozen.Key = strings.TrimSpace(frozen.Key)
	for i := range frozen.Steps {
		frozen.Steps[i].Idempotency = orchestrator.NormalizeIdempotencyStrategy(frozen.Steps[i].Idempotency)
	}
	if frozen.CreatedAt.IsZero() {
		frozen.CreatedAt = r.now().UTC()
	}
	id := definitionID{firmID: frozen.FirmID, key: frozen.Key, version: frozen.Version}
	pinned, err := r.checkPin(ctx, id, frozen)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[id]; exists {
		return orchestrator.NewError(orchestrator.ErrDuplicateVersion,
			fmt.Sprintf("definition %s already registered", id), nil,
			map[string]any{"firm_id": id.firmID, "definition_key": id.key, "version": id.version})
	}
	r.defs[id] = frozen
	if pinned {
		r.referenced[id] = true
	}
	r.logger.Info("definition registered: %s (%d steps)", id, len(frozen.Steps))
	return nil
}

// checkPin compares def with the pinned digest of the same version, if any.
func (r *Registry) checkPin(ctx context.Context, id definitionID, def *orchestrator.Definition) (bool, error) {
	if r.pins == nil {
		return false, nil
	}
	pin, err := r.pins.LoadDefinitionPin(ctx, id.firmID, id.key, id.version)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load pin for %s: %w", id, err)
	}
	digest, err := def.Digest()
	if err != nil {
		return false, fmt.Errorf("digest %s: %w", id, err)
	}
	if digest != pin.Digest {
		return false, orchestrator.NewError(orchestrator.ErrDefinitionFrozen,
			fmt.Sprintf("definition %s is referenced by executions and changed since %s; register it under a new version",
				id, pin.PinnedAt.Format(time.RFC3339)), nil,
			map[string]any{"firm_id": id.firmID, "definition_key": id.key, "version": id.version, "pinned_digest": pin.Digest})
	}
	return true, nil
}

// MustRegister panics when Register fails.
func (r *Registry) MustRegister(def *orchestrator.Definition) {
	if err := r.Register(context.Background(), def); err != nil {
		panic(err)
	}
}

// Get returns a copy of the definition visible to firmID, preferring the
// firm's own definition over a shared one.
func (r *Registry) Get(ctx context.Context, firmID, key string, version int) (*orchestrator.Definition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, _, ok := r.lookup(firmID, key, version)
	if !ok {
		return nil, orchestrator.NewError(orchestrator.ErrDefinitionNotFound,
			fmt.Sprintf("definition %s@v%d not found", key, version), nil,
			map[string]any{"firm_id": firmID, "definition_key": key, "version": version})
	}
	return def.Clone(), nil
}

func (r *Registry) lookup(firmID, key string, version int) (*orchestrator.Definition, definitionID, bool) {
	id := definitionID{firmID: strings.TrimSpace(firmID), key: strings.TrimSpace(key), version: version}
	if def, ok := r.defs[id]; ok {
		return def, id, true
	}
	if id.firmID != "" {
		shared := definitionID{key: id.key, version: version}
		if def, ok := r.defs[shared]; ok {
			return def, shared, true
		}
	}
	return nil, id, false
}

// MarkReferenced records that an execution uses the definition, which
// blocks Retire from then on.
func (r *Registry) MarkReferenced(ctx context.Context, firmID, key string, version int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, id, ok := r.lookup(firmID, key, version)
	if !ok {
		return orchestrator.NewError(orchestrator.ErrDefinitionNotFound,
			fmt.Sprintf("definition %s@v%d not found", key, version), nil, nil)
	}
	r.referenced[id] = true
	return nil
}

// Referenced reports whether any execution uses the definition.
func (r *Registry) Referenced(firmID, key string, version int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, id, ok := r.lookup(firmID, key, version)
	return ok && r.referenced[id]
}

// Retire removes an unreferenced definition.
func (r *Registry) Retire(ctx context.Context, firmID, key string, version int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id := definitionID{firmID: strings.TrimSpace(firmID), key: strings.TrimSpace(key), version: version}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[id]; !ok {
		return orchestrator.NewError(orchestrator.ErrDefinitionNotFound,
			fmt.Sprintf("definition %s not found", id), nil, nil)
	}
	if r.referenced[id] {
		return orchestrator.NewError(orchestrator.ErrDefinitionInUse,
			fmt.Sprintf("definition %s is referenced by executions", id), nil,
			map[string]any{"firm_id": id.firmID, "definition_key": id.key, "version": id.version})
	}
	delete(r.defs, id)
	r.logger.Info("definition retired: %s", id)
	return nil
}

// Versions lists the versions visible to firmID in ascending order.
func (r *Registry) Versions(firmID, key string) []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	firmID = strings.TrimSpace(firmID)
	key = strings.TrimSpace(key)
	set := make(map[int]struct{})
	for id := range r.defs {
		if id.key == key && (id.firmID == firmID || id.firmID == "") {
			set[id.version] = struct{}{}
		}
	}
	out := make([]int, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

// Latest returns the highest version visible to firmID.
func (r *Registry) Latest(ctx context.Context, firmID, key string) (*orchestrator.Definition, error) {
	versions := r.Versions(firmID, key)
	if len(versions) == 0 {
		return nil, orchestrator.NewError(orchestrator.ErrDefinitionNotFound,
			fmt.Sprintf("no versions of definition %s", key), nil,
			map[string]any{"firm_id": firmID, "definition_key": key})
	}
	return r.Get(ctx, firmID, key, versions[len(versions)-1])
}

// List returns copies of every registered definition ordered by firm, key and version.
func (r *Registry) List() []*orchestrator.Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*orchestrator.Definition, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, def.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FirmID != out[j].FirmID {
			return out[i].FirmID < out[j].FirmID
		}
		if out[i].Key != out[j].Key {
			return out[i].Key < out[j].Key
		}
		return out[i].Version < out[j].Version
	})
	return out
}
