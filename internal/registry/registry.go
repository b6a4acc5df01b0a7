// Package registry is the source of truth for collection identity. It resolves
// ids, names, and legacy aliases to canonical collection ids.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/tanya/internal/models"
	"github.com/hyperjump/tanya/internal/storage"
)

// IndexDropper removes the physical index namespace of a collection.
type IndexDropper interface {
	DropIndex(ctx context.Context, collectionID string) error
}

// Patch is a partial collection update. Nil fields are left unchanged.
type Patch struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

// snapshot is an immutable lookup table swapped on every change.
type snapshot struct {
	byID    map[string]*models.Collection
	tokens  map[string]string
	aliases map[string]string
}

func (s *snapshot) resolve(token string) (string, bool) {
	id, ok := s.tokens[token]
	return id, ok
}

// Registry manages collections. Reads are lock-free against the current
// snapshot; writes are serialized and publish a new snapshot.
type Registry struct {
	store   storage.Storage
	indexes IndexDropper
	logger  *zap.Logger

	mu   sync.Mutex
	snap atomic.Pointer[snapshot]
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets a logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// New creates a registry and loads the current collections and aliases.
func New(ctx context.Context, store storage.Storage, indexes IndexDropper, opts ...Option) (*Registry, error) {
	r := &Registry{store: store, indexes: indexes, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.Refresh(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Refresh rebuilds the lookup table from the metadata store.
func (r *Registry) Refresh(ctx context.Context) error {
	collections, err := r.store.ListCollections(ctx)
	if err != nil {
		return fmt.Errorf("failed to list collections: %w", err)
	}
	aliases, err := r.store.ListAliases(ctx)
	if err != nil {
		return fmt.Errorf("failed to list aliases: %w", err)
	}
	s := &snapshot{
		byID:    make(map[string]*models.Collection, len(collections)),
		tokens:  make(map[string]string, 2*len(collections)+len(aliases)),
		aliases: aliases,
	}
	for alias, id := range aliases {
		s.tokens[alias] = id
	}
	// Names shadow aliases, ids shadow both.
	for _, c := range collections {
		s.tokens[c.Name] = c.ID
	}
	for _, c := range collections {
		s.byID[c.ID] = c
		s.tokens[c.ID] = c.ID
	}
	r.snap.Store(s)
	return nil
}

func (r *Registry) current() *snapshot {
	if s := r.snap.Load(); s != nil {
		return s
	}
	return &snapshot{}
}

// Resolve maps an id, name, or alias to the canonical collection id.
func (r *Registry) Resolve(token string) (string, error) {
	if id, ok := r.current().resolve(strings.TrimSpace(token)); ok {
		return id, nil
	}
	return "", fmt.Errorf("%w: collection %q", models.ErrNotFound, token)
}

// Get returns the collection a token resolves to.
func (r *Registry) Get(token string) (*models.Collection, error) {
	s := r.current()
	id, ok := s.resolve(strings.TrimSpace(token))
	if !ok {
		return nil, fmt.Errorf("%w: collection %q", models.ErrNotFound, token)
	}
	c, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: collection %q", models.ErrNotFound, token)
	}
	cp := *c
	return &cp, nil
}

// List returns all collections ordered by name.
func (r *Registry) List() []*models.Collection {
	s := r.current()
	out := make([]*models.Collection, 0, len(s.byID))
	for _, c := range s.byID {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Aliases returns the alias table of a collection.
func (r *Registry) Aliases(collectionID string) []string {
	var out []string
	for alias, id := range r.current().aliases {
		if id == collectionID {
			out = append(out, alias)
		}
	}
	sort.Strings(out)
	return out
}

// Create registers a new collection. A name already used by another collection
// or alias is a Conflict.
func (r *Registry) Create(ctx context.Context, in models.CollectionInput) (*models.Collection, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.createLocked(ctx, in)
}

func (r *Registry) createLocked(ctx context.Context, in models.CollectionInput) (*models.Collection, error) {
	if _, taken := r.current().resolve(in.Name); taken {
		return nil, fmt.Errorf("%w: collection name %q is already in use", models.ErrConflict, in.Name)
	}
	c := &models.Collection{
		ID:          in.ID,
		Name:        in.Name,
		Description: in.Description,
		Type:        in.Type,
		Owner:       in.Owner,
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if err := r.store.CreateCollection(ctx, c); err != nil {
		return nil, err
	}
	if err := r.Refresh(ctx); err != nil {
		return nil, err
	}
	r.logger.Info("collection created", zap.String("collection_id", c.ID), zap.String("name", c.Name))
	return c, nil
}

// Ensure resolves token, creating a collection named token when it does not
// exist yet.
func (r *Registry) Ensure(ctx context.Context, token string, typ models.CollectionType) (*models.Collection, error) {
	if c, err := r.Get(token); err == nil {
		return c, nil
	}
	in := models.CollectionInput{Name: token, Type: typ}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, err := r.Get(token); err == nil {
		return c, nil
	}
	return r.createLocked(ctx, in)
}

// Rename changes the name of a collection. The id is preserved and the old
// name keeps resolving as an alias.
func (r *Registry) Rename(ctx context.Context, token, newName string) (*models.Collection, error) {
	return r.Update(ctx, token, Patch{Name: &newName})
}

// Update applies a rename and/or description change.
func (r *Registry) Update(ctx context.Context, token string, p Patch) (*models.Collection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, err := r.Get(token)
	if err != nil {
		return nil, err
	}
	oldName := c.Name
	if p.Description != nil {
		c.Description = *p.Description
	}
	renamed := false
	if p.Name != nil {
		name := strings.TrimSpace(*p.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: collection name cannot be empty", models.ErrInvalidInput)
		}
		if name != c.Name {
			if owner, taken := r.current().resolve(name); taken && owner != c.ID {
				return nil, fmt.Errorf("%w: collection name %q is already in use", models.ErrConflict, name)
			}
			c.Name = name
			renamed = true
		}
	}
	if err := r.store.UpdateCollection(ctx, c); err != nil {
		return nil, err
	}
	if renamed {
		if err := r.store.DeleteAlias(ctx, c.Name); err != nil {
			return nil, fmt.Errorf("failed to clear alias %q: %w", c.Name, err)
		}
		if err := r.store.PutAlias(ctx, oldName, c.ID); err != nil {
			return nil, fmt.Errorf("failed to keep alias %q: %w", oldName, err)
		}
		r.logger.Info("collection renamed",
			zap.String("collection_id", c.ID), zap.String("from", oldName), zap.String("to", c.Name))
	}
	if err := r.Refresh(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Delete removes a collection. Any unit still referencing it, including units
// pending deletion, is a Conflict: content is always removed first. The check
// and the delete are one statement, so a concurrent upload either lands before
// and blocks the delete, or fails with NotFound.
func (r *Registry) Delete(ctx context.Context, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, err := r.Resolve(token)
	if err != nil {
		return err
	}
	if err := r.store.DeleteCollection(ctx, id); err != nil {
		return err
	}
	if r.indexes != nil {
		if err := r.indexes.DropIndex(ctx, id); err != nil {
			r.logger.Error("failed to drop index of deleted collection",
				zap.String("collection_id", id), zap.Error(err))
		}
	}
	if err := r.Refresh(ctx); err != nil {
		return err
	}
	r.logger.Info("collection deleted", zap.String("collection_id", id))
	return nil
}

// Seed creates statically configured collections that do not exist yet and
// installs legacy aliases. Alias targets may be a collection id or name.
func (r *Registry) Seed(ctx context.Context, static []models.CollectionInput, aliases map[string]string) error {
	for _, in := range static {
		if in.ID != "" {
			if _, ok := r.current().byID[in.ID]; ok {
				continue
			}
		} else if _, err := r.Resolve(in.Name); err == nil {
			continue
		}
		if _, err := r.Create(ctx, in); err != nil {
			return fmt.Errorf("failed to seed collection %q: %w", in.Name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	changed := false
	for alias, target := range aliases {
		id, err := r.Resolve(target)
		if err != nil {
			r.logger.Warn("alias target not found", zap.String("alias", alias), zap.String("target", target))
			continue
		}
		if current, ok := r.current().aliases[alias]; ok && current == id {
			continue
		}
		if err := r.store.PutAlias(ctx, alias, id); err != nil {
			return fmt.Errorf("failed to install alias %q: %w", alias, err)
		}
		changed = true
	}
	if changed {
		return r.Refresh(ctx)
	}
	return nil
}
