// Package store persists automation recipes as one JSON file per recipe.
//
// The store is the single source of truth for which recipes exist. Writes
// are atomic against concurrent readers: the payload goes to a temporary
// file on the same filesystem, then an os.Rename swaps it into place, so a
// partially written recipe is never visible. Mutations that can affect
// scheduling publish a change event on a bounded channel drained by the
// scheduler; the store never calls the scheduler directly.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/threadswap/pushpilot/pkg/models"
)

// Sentinel errors for store operations.
var (
	// ErrNotFound indicates no recipe exists with the given id.
	ErrNotFound = errors.New("recipe not found")

	// ErrUnavailable indicates a persistence I/O failure.
	ErrUnavailable = errors.New("recipe store unavailable")
)

// ChangeKind classifies a store change event.
type ChangeKind string

// Change event kinds.
const (
	ChangeUpsert ChangeKind = "upsert"
	ChangeDelete ChangeKind = "delete"
)

// ChangeEvent notifies the scheduler that a recipe's scheduling-relevant
// state changed.
type ChangeEvent struct {
	RecipeID string
	Kind     ChangeKind
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Status models.RecipeStatus
	Type   models.RecipeType
}

// changeChannelCapacity bounds the change event queue. When full, events
// are dropped and counted; the reconciler converges the scheduler anyway.
const changeChannelCapacity = 256

// Store is the durable recipe store.
type Store struct {
	dir      string
	rootHost string

	mu      sync.Mutex // serializes writers
	changes chan ChangeEvent
	dropped atomic.Int64
}

// New creates a Store rooted at dir, creating the directory if needed.
// rootHost is the deep-link whitelist root used during save validation.
func New(dir, rootHost string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating recipe dir: %v", ErrUnavailable, err)
	}
	return &Store{
		dir:      dir,
		rootHost: rootHost,
		changes:  make(chan ChangeEvent, changeChannelCapacity),
	}, nil
}

// Changes returns the channel of scheduling-relevant change events.
func (s *Store) Changes() <-chan ChangeEvent {
	return s.changes
}

// DroppedChangeEvents returns how many change events were dropped because
// the channel was full. Surfaced via the debug endpoint.
func (s *Store) DroppedChangeEvents() int64 {
	return s.dropped.Load()
}

// List returns all recipes matching the filter, ordered by id.
func (s *Store) List(filter Filter) ([]*models.Recipe, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: listing recipes: %v", ErrUnavailable, err)
	}

	recipes := make([]*models.Recipe, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		recipe, err := s.Load(strings.TrimSuffix(name, ".json"))
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue // deleted between ReadDir and Load
			}
			return nil, err
		}
		if filter.Status != "" && recipe.Status != filter.Status {
			continue
		}
		if filter.Type != "" && recipe.Type != filter.Type {
			continue
		}
		recipes = append(recipes, recipe)
	}

	sort.Slice(recipes, func(i, j int) bool { return recipes[i].ID < recipes[j].ID })
	return recipes, nil
}

// Load reads one recipe by id.
func (s *Store) Load(id string) (*models.Recipe, error) {
	path, err := s.recipePath(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("%w: reading recipe %s: %v", ErrUnavailable, id, err)
	}
	var recipe models.Recipe
	if err := json.Unmarshal(data, &recipe); err != nil {
		return nil, fmt.Errorf("%w: decoding recipe %s: %v", ErrUnavailable, id, err)
	}
	return &recipe, nil
}

// Save creates or replaces a recipe. Defaults are applied before
// validation so save/load round-trips are stable. A change event is
// published when the recipe's schedulable status, schedule, or sequence
// timing changed relative to the stored version.
func (s *Store) Save(recipe *models.Recipe) error {
	if recipe.ID == "" {
		return models.ValidationErrors{{Field: "id", Message: "required"}}
	}

	recipe.ApplyDefaults()
	if err := recipe.Validate(s.rootHost, time.Now()); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	previous, err := s.Load(recipe.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	now := time.Now().UTC()
	if previous != nil {
		recipe.Metadata.CreatedAt = previous.Metadata.CreatedAt
		if recipe.Metadata.CreatedBy == "" {
			recipe.Metadata.CreatedBy = previous.Metadata.CreatedBy
		}
	} else if recipe.Metadata.CreatedAt.IsZero() {
		recipe.Metadata.CreatedAt = now
	}
	recipe.Metadata.UpdatedAt = now

	if err := s.writeAtomic(recipe); err != nil {
		return err
	}

	if schedulingChanged(previous, recipe) {
		s.publish(ChangeEvent{RecipeID: recipe.ID, Kind: ChangeUpsert})
	}
	return nil
}

// Delete removes a recipe. Deleting a missing recipe is a no-op.
func (s *Store) Delete(id string) error {
	path, err := s.recipePath(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("%w: deleting recipe %s: %v", ErrUnavailable, id, err)
	}
	s.publish(ChangeEvent{RecipeID: id, Kind: ChangeDelete})
	return nil
}

// writeAtomic serializes the recipe to a temp file in the store dir and
// renames it over the destination.
func (s *Store) writeAtomic(recipe *models.Recipe) error {
	path, err := s.recipePath(recipe.ID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(recipe, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encoding recipe %s: %v", ErrUnavailable, recipe.ID, err)
	}

	tmp, err := os.CreateTemp(s.dir, recipe.ID+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: creating temp file: %v", ErrUnavailable, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: writing recipe %s: %v", ErrUnavailable, recipe.ID, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: closing temp file: %v", ErrUnavailable, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: replacing recipe %s: %v", ErrUnavailable, recipe.ID, err)
	}
	return nil
}

func (s *Store) publish(ev ChangeEvent) {
	select {
	case s.changes <- ev:
	default:
		n := s.dropped.Add(1)
		slog.Warn("Recipe change event dropped, channel full",
			"recipe_id", ev.RecipeID, "kind", ev.Kind, "dropped_total", n)
	}
}

func (s *Store) recipePath(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return "", fmt.Errorf("%w: invalid recipe id %q", ErrNotFound, id)
	}
	return filepath.Join(s.dir, id+".json"), nil
}

// schedulingProjection is the subset of a recipe the scheduler cares
// about. Save publishes a change event only when this projection differs.
type schedulingProjection struct {
	Schedulable bool
	Schedule    models.Schedule
	Delays      []int
}

func projectionOf(r *models.Recipe) schedulingProjection {
	p := schedulingProjection{
		Schedulable: r.Schedulable(),
		Schedule:    r.Schedule,
	}
	for _, step := range r.PushSequence {
		p.Delays = append(p.Delays, step.Timing.DelayAfterPrevious)
	}
	return p
}

func schedulingChanged(previous, current *models.Recipe) bool {
	if previous == nil {
		return true
	}
	prev, _ := json.Marshal(projectionOf(previous))
	curr, _ := json.Marshal(projectionOf(current))
	return string(prev) != string(curr)
}
