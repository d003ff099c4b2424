// Package registry is the catalogue of rating targets known to the
// service. Analytics and the relayer enumerate targets through it.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"zapps-voting/models"
)

// TargetSource enumerates the ids of every known target.
type TargetSource interface {
	ListTargetIDs(ctx context.Context) ([]string, error)
}

// StaticTargets is a fixed list of target ids.
type StaticTargets []string

func (s StaticTargets) ListTargetIDs(context.Context) ([]string, error) {
	out := make([]string, len(s))
	copy(out, s)
	return out, nil
}

// DApp is one catalogue entry.
type DApp struct {
	ID       string            `json:"id" validate:"required,uuid"`
	Name     string            `json:"name" validate:"required"`
	Category string            `json:"category"`
	Type     models.TargetType `json:"target_type" validate:"lte=2"`
	Active   bool              `json:"active"`
	AddedAt  time.Time         `json:"added_at"`
}

type RegistryConfig struct {
	DAppsFilePath string `json:"dapps_file_path"`
	AutoSave      bool   `json:"auto_save"`
}

// DAppRegistry is a file-backed catalogue. It satisfies TargetSource with
// the ids of active entries.
type DAppRegistry struct {
	apps     map[string]*DApp
	mu       sync.RWMutex
	config   RegistryConfig
	validate *validator.Validate
}

// DAppID derives the stable catalogue id for a dApp name.
func DAppID(name string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("zapps:dapp:"+name)).String()
}

func NewDAppRegistry(config RegistryConfig) (*DAppRegistry, error) {
	r := &DAppRegistry{
		apps:     make(map[string]*DApp),
		config:   config,
		validate: validator.New(),
	}

	if config.DAppsFilePath != "" {
		if err := os.MkdirAll(filepath.Dir(config.DAppsFilePath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %v", err)
		}
	}
	return r, nil
}

// LoadFromFile replaces the catalogue with the file's contents, writing a
// default catalogue first if the file does not exist.
func (r *DAppRegistry) LoadFromFile() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := os.ReadFile(r.config.DAppsFilePath)
	if err != nil {
		if os.IsNotExist(err) {
			return r.createDefaultFile()
		}
		return fmt.Errorf("failed to read dapps file: %v", err)
	}

	var file struct {
		DApps []*DApp `json:"dapps"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to unmarshal dapps: %v", err)
	}

	apps := make(map[string]*DApp, len(file.DApps))
	for _, app := range file.DApps {
		if err := r.validate.Struct(app); err != nil {
			return fmt.Errorf("invalid dapp %q: %v", app.Name, err)
		}
		apps[app.ID] = app
	}
	r.apps = apps
	return nil
}

func defaultDApps() []*DApp {
	added := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	entries := []struct{ name, category string }{
		{"Zapps Swap", "defi"},
		{"Shielded Lend", "defi"},
		{"Cipher Quest", "gaming"},
		{"Private Poll", "governance"},
	}
	apps := make([]*DApp, 0, len(entries))
	for _, e := range entries {
		apps = append(apps, &DApp{
			ID:       DAppID(e.name),
			Name:     e.name,
			Category: e.category,
			Type:     models.TargetTypeDApp,
			Active:   true,
			AddedAt:  added,
		})
	}
	return apps
}

func (r *DAppRegistry) createDefaultFile() error {
	for _, app := range defaultDApps() {
		r.apps[app.ID] = app
	}
	return r.saveLocked()
}

func (r *DAppRegistry) saveLocked() error {
	if r.config.DAppsFilePath == "" {
		return nil
	}

	file := struct {
		DApps []*DApp `json:"dapps"`
	}{DApps: r.sortedLocked()}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal dapps: %v", err)
	}
	if err := os.WriteFile(r.config.DAppsFilePath, data, 0644); err != nil {
		return fmt.Errorf("failed to save dapps file: %v", err)
	}
	return nil
}

func (r *DAppRegistry) sortedLocked() []*DApp {
	out := make([]*DApp, 0, len(r.apps))
	for _, app := range r.apps {
		out = append(out, app)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *DAppRegistry) ListTargetIDs(context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.apps))
	for _, app := range r.sortedLocked() {
		if app.Active {
			ids = append(ids, app.ID)
		}
	}
	return ids, nil
}

// List returns copies of every entry, active or not.
func (r *DAppRegistry) List() []DApp {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]DApp, 0, len(r.apps))
	for _, app := range r.sortedLocked() {
		out = append(out, *app)
	}
	return out
}

func (r *DAppRegistry) Get(id string) (*DApp, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	app, ok := r.apps[id]
	if !ok {
		return nil, fmt.Errorf("dapp %s: %w", id, models.ErrNotFound)
	}
	cp := *app
	return &cp, nil
}

// TargetType returns the on-chain type for id, defaulting to a dApp for
// targets outside the catalogue.
func (r *DAppRegistry) TargetType(id string) models.TargetType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if app, ok := r.apps[id]; ok {
		return app.Type
	}
	return models.TargetTypeDApp
}

func (r *DAppRegistry) Add(app *DApp) error {
	if err := r.validate.Struct(app); err != nil {
		return fmt.Errorf("invalid dapp: %v", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.apps[app.ID]; exists {
		return fmt.Errorf("dapp %s is already registered", app.ID)
	}
	cp := *app
	if cp.AddedAt.IsZero() {
		cp.AddedAt = time.Now().UTC()
	}
	r.apps[cp.ID] = &cp

	if r.config.AutoSave {
		return r.saveLocked()
	}
	return nil
}

func (r *DAppRegistry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.apps[id]; !ok {
		return fmt.Errorf("dapp %s: %w", id, models.ErrNotFound)
	}
	delete(r.apps, id)

	if r.config.AutoSave {
		return r.saveLocked()
	}
	return nil
}
