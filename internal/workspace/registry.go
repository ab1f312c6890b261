// Package workspace keeps the catalog of workspaces and the marker naming
// the current one. The catalog lives in a key-value file separate from the
// workspace databases it describes.
package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/markbook/internal/kv"
	"github.com/JonMunkholm/markbook/internal/storage"
)

// DefaultID identifies the workspace that always exists.
const DefaultID = "default"

const (
	keyWorkspaces = "workspaces"
	keyCurrent    = "currentWorkspace"
)

var (
	// ErrNotFound is returned for an unknown workspace id.
	ErrNotFound = errors.New("workspace not found")

	// ErrDefaultWorkspace is returned when removing the default workspace.
	ErrDefaultWorkspace = errors.New("default workspace cannot be removed")

	// ErrInvalidName is returned for an empty workspace name.
	ErrInvalidName = errors.New("workspace name is required")
)

// Workspace is one isolated database selectable at runtime.
type Workspace struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Icon      string    `json:"icon,omitempty"`
	DBName    string    `json:"dbName"`
	CreatedAt time.Time `json:"createdAt"`
}

// Registry is the workspace catalog. It implements storage.Resolver.
type Registry struct {
	store     kv.Store
	defaultDB string

	mu sync.Mutex
}

var _ storage.Resolver = (*Registry)(nil)

// NewRegistry returns a Registry persisted in store. defaultDB names the
// physical database of the default workspace.
func NewRegistry(store kv.Store, defaultDB string) *Registry {
	if defaultDB == "" {
		defaultDB = storage.DefaultDBName
	}
	return &Registry{store: store, defaultDB: defaultDB}
}

func (r *Registry) defaultWorkspace() Workspace {
	return Workspace{ID: DefaultID, Name: "Default", DBName: r.defaultDB}
}

// load reads the catalog. Unreadable data yields a catalog holding only the
// default workspace; the default is added when absent.
func (r *Registry) load() []Workspace {
	var list []Workspace

	raw, err := r.store.Get(keyWorkspaces)
	switch {
	case errors.Is(err, kv.ErrNotFound):
	case err != nil:
		slog.Error("read workspace catalog, using default", "error", err)
	default:
		if err := json.Unmarshal(raw, &list); err != nil {
			slog.Error("corrupt workspace catalog, using default", "error", err)
			list = nil
		}
	}

	clean := list[:0]
	hasDefault := false
	for _, ws := range list {
		if ws.ID == "" || !storage.ValidDBName(ws.DBName) {
			slog.Warn("dropping malformed workspace entry", "id", ws.ID, "db", ws.DBName)
			continue
		}
		if ws.ID == DefaultID {
			hasDefault = true
		}
		clean = append(clean, ws)
	}
	if !hasDefault {
		clean = append([]Workspace{r.defaultWorkspace()}, clean...)
	}
	return clean
}

func (r *Registry) save(list []Workspace) error {
	data, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("encode workspace catalog: %w", err)
	}
	if err := r.store.Set(keyWorkspaces, data); err != nil {
		return fmt.Errorf("save workspace catalog: %w", err)
	}
	return nil
}

// List returns every workspace, default first, the rest by creation time.
func (r *Registry) List() []Workspace {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sorted(r.load())
}

func sorted(list []Workspace) []Workspace {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].ID == DefaultID || list[j].ID == DefaultID {
			return list[i].ID == DefaultID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	return list
}

// Get returns the workspace with the given id.
func (r *Registry) Get(id string) (Workspace, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return find(r.load(), id)
}

func find(list []Workspace, id string) (Workspace, error) {
	for _, ws := range list {
		if ws.ID == id {
			return ws, nil
		}
	}
	return Workspace{}, fmt.Errorf("%s: %w", id, ErrNotFound)
}

// Current returns the current workspace. A missing or stale marker resolves
// to the default workspace.
func (r *Registry) Current() Workspace {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current(r.load())
}

func (r *Registry) current(list []Workspace) Workspace {
	raw, err := r.store.Get(keyCurrent)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			slog.Error("read current workspace, using default", "error", err)
		}
		return r.defaultWorkspace()
	}
	ws, err := find(list, string(raw))
	if err != nil {
		slog.Warn("current workspace not in catalog, using default", "id", string(raw))
		return r.defaultWorkspace()
	}
	return ws
}

// CurrentDBName returns the physical database of the current workspace.
func (r *Registry) CurrentDBName() string {
	return r.Current().DBName
}

// Create adds a workspace with a fresh id and its own database name. The
// database itself is created on first use.
func (r *Registry) Create(name, icon string) (Workspace, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Workspace{}, ErrInvalidName
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := uuid.NewString()
	ws := Workspace{
		ID:        id,
		Name:      name,
		Icon:      icon,
		DBName:    r.defaultDB + "_" + id,
		CreatedAt: time.Now().UTC(),
	}
	list := append(r.load(), ws)
	if err := r.save(list); err != nil {
		return Workspace{}, err
	}
	slog.Info("workspace created", "id", ws.ID, "name", ws.Name, "db", ws.DBName)
	return ws, nil
}

// Update renames a workspace and changes its icon.
func (r *Registry) Update(id, name, icon string) (Workspace, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Workspace{}, ErrInvalidName
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.load()
	for i := range list {
		if list[i].ID != id {
			continue
		}
		list[i].Name = name
		list[i].Icon = icon
		if err := r.save(list); err != nil {
			return Workspace{}, err
		}
		return list[i], nil
	}
	return Workspace{}, fmt.Errorf("%s: %w", id, ErrNotFound)
}

// Remove deletes a workspace from the catalog and returns it so the caller
// can drop its database. Removing the current workspace makes the default
// current.
func (r *Registry) Remove(id string) (Workspace, error) {
	if id == DefaultID {
		return Workspace{}, ErrDefaultWorkspace
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.load()
	wasCurrent := r.current(list).ID == id
	for i, ws := range list {
		if ws.ID != id {
			continue
		}
		list = append(list[:i], list[i+1:]...)
		if err := r.save(list); err != nil {
			return Workspace{}, err
		}
		if wasCurrent {
			if err := r.store.Set(keyCurrent, []byte(DefaultID)); err != nil {
				return Workspace{}, fmt.Errorf("reset current workspace: %w", err)
			}
		}
		slog.Info("workspace removed", "id", ws.ID, "db", ws.DBName)
		return ws, nil
	}
	return Workspace{}, fmt.Errorf("%s: %w", id, ErrNotFound)
}

// SetCurrent persists the current-workspace marker.
func (r *Registry) SetCurrent(id string) (Workspace, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ws, err := find(r.load(), id)
	if err != nil {
		return Workspace{}, err
	}
	if err := r.store.Set(keyCurrent, []byte(ws.ID)); err != nil {
		return Workspace{}, fmt.Errorf("save current workspace: %w", err)
	}
	return ws, nil
}

// Ensure adds ws to the catalog when its id is unknown, or refreshes name
// and icon of the existing entry. The stored entry is returned; an existing
// entry keeps its database name.
func (r *Registry) Ensure(ws Workspace) (Workspace, error) {
	if ws.ID == "" {
		return Workspace{}, fmt.Errorf("ensure workspace: empty id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.load()
	for i := range list {
		if list[i].ID != ws.ID {
			continue
		}
		if ws.Name != "" {
			list[i].Name = ws.Name
		}
		list[i].Icon = ws.Icon
		if err := r.save(list); err != nil {
			return Workspace{}, err
		}
		return list[i], nil
	}

	if strings.TrimSpace(ws.Name) == "" {
		ws.Name = ws.ID
	}
	if !storage.ValidDBName(ws.DBName) {
		ws.DBName = r.defaultDB + "_" + ws.ID
		if !storage.ValidDBName(ws.DBName) {
			ws.DBName = r.defaultDB + "_" + uuid.NewString()
		}
	}
	for _, other := range list {
		if other.DBName == ws.DBName {
			ws.DBName = r.defaultDB + "_" + uuid.NewString()
			break
		}
	}
	if ws.CreatedAt.IsZero() {
		ws.CreatedAt = time.Now().UTC()
	}
	if err := r.save(append(list, ws)); err != nil {
		return Workspace{}, err
	}
	slog.Info("workspace registered", "id", ws.ID, "name", ws.Name, "db", ws.DBName)
	return ws, nil
}
