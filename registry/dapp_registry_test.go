package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"zapps-voting/models"
)

func TestDefaultCatalogueWritten(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "dapps.json")
	r, err := NewDAppRegistry(RegistryConfig{DAppsFilePath: path})
	if err != nil {
		t.Fatalf("NewDAppRegistry: %v", err)
	}
	if err := r.LoadFromFile(); err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default file not written: %v", err)
	}

	ids, _ := r.ListTargetIDs(context.Background())
	if len(ids) != len(defaultDApps()) {
		t.Fatalf("ids = %v", ids)
	}

	reloaded, _ := NewDAppRegistry(RegistryConfig{DAppsFilePath: path})
	if err := reloaded.LoadFromFile(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	again, _ := reloaded.ListTargetIDs(context.Background())
	for i := range ids {
		if ids[i] != again[i] {
			t.Errorf("id %d changed across reload: %s vs %s", i, ids[i], again[i])
		}
	}
}

func TestDAppIDStable(t *testing.T) {
	if DAppID("Zapps Swap") != DAppID("Zapps Swap") {
		t.Error("DAppID must be deterministic")
	}
	if DAppID("Zapps Swap") == DAppID("Cipher Quest") {
		t.Error("distinct names must map to distinct ids")
	}
}

func TestAddRemoveAndInactive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dapps.json")
	r, _ := NewDAppRegistry(RegistryConfig{DAppsFilePath: path, AutoSave: true})
	ctx := context.Background()

	quest := &DApp{ID: DAppID("quest"), Name: "Quest", Type: models.TargetTypeQuest, Active: true}
	hidden := &DApp{ID: DAppID("hidden"), Name: "Hidden", Active: false}
	for _, app := range []*DApp{quest, hidden} {
		if err := r.Add(app); err != nil {
			t.Fatalf("Add(%s): %v", app.Name, err)
		}
	}
	if err := r.Add(quest); err == nil {
		t.Error("duplicate Add should fail")
	}
	if err := r.Add(&DApp{ID: "not-a-uuid", Name: "Bad"}); err == nil {
		t.Error("Add with invalid id should fail")
	}

	ids, _ := r.ListTargetIDs(ctx)
	if len(ids) != 1 || ids[0] != quest.ID {
		t.Errorf("active ids = %v", ids)
	}
	if len(r.List()) != 2 {
		t.Errorf("List = %+v", r.List())
	}
	if r.TargetType(quest.ID) != models.TargetTypeQuest || r.TargetType("unknown") != models.TargetTypeDApp {
		t.Error("TargetType mismatch")
	}

	if err := r.Remove(quest.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := r.Get(quest.ID); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Get after remove: %v", err)
	}

	reloaded, _ := NewDAppRegistry(RegistryConfig{DAppsFilePath: path})
	reloaded.LoadFromFile()
	if len(reloaded.List()) != 1 {
		t.Errorf("auto-saved catalogue has %d entries, want 1", len(reloaded.List()))
	}
}

func TestLoadRejectsInvalidEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dapps.json")
	os.WriteFile(path, []byte(`{"dapps":[{"id":"x","name":""}]}`), 0644)

	r, _ := NewDAppRegistry(RegistryConfig{DAppsFilePath: path})
	if err := r.LoadFromFile(); err == nil {
		t.Error("expected validation error")
	}
}

func TestStaticTargets(t *testing.T) {
	s := StaticTargets{"a", "b"}
	ids, err := s.ListTargetIDs(context.Background())
	if err != nil || len(ids) != 2 {
		t.Fatalf("ids = %v, %v", ids, err)
	}
	ids[0] = "z"
	if s[0] != "a" {
		t.Error("ListTargetIDs must return a copy")
	}
}
