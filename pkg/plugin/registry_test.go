package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
)

func echo(_ context.Context, args json.RawMessage) (string, error) {
	return string(args), nil
}

func planningSet(name string) FunctionSet {
	return FunctionSet{
		Name: name,
		Functions: []Function{
			{Name: "get_backlog_tasks", Handler: echo},
			{Name: "get_team_velocity", Handler: echo},
		},
	}
}

func TestAddIfMissingIsIdempotent(t *testing.T) {
	r := NewRegistry()

	added, err := r.AddIfMissing(planningSet("SprintPlanningTools"))
	if err != nil || !added {
		t.Fatalf("first registration: added=%v err=%v", added, err)
	}
	added, err = r.AddIfMissing(planningSet("sprintplanningtools"))
	if err != nil {
		t.Fatalf("second registration returned error: %v", err)
	}
	if added {
		t.Fatalf("second registration should report false")
	}
	if r.Len() != 1 {
		t.Fatalf("expected one registration, got %d", r.Len())
	}
	if names := r.Names(); len(names) != 1 || names[0] != "SprintPlanningTools" {
		t.Fatalf("unexpected names: %v", names)
	}
}

func TestAddIfMissingConcurrentFirstUse(t *testing.T) {
	r := NewRegistry()
	const workers = 64

	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			added, err := r.AddIfMissing(planningSet("SprintPlanningTools"))
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if added {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins.Load())
	}
	if r.Len() != 1 {
		t.Fatalf("expected one registration, got %d", r.Len())
	}
}

func TestFunctionsLookupIsCaseInsensitive(t *testing.T) {
	r := NewRegistry()
	if _, err := r.AddIfMissing(planningSet("SprintPlanningTools")); err != nil {
		t.Fatalf("register: %v", err)
	}

	fns, err := r.Functions("SPRINTPLANNINGTOOLS")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if len(fns) != 2 || fns[0].Name != "get_backlog_tasks" {
		t.Fatalf("unexpected functions: %+v", fns)
	}

	if _, err := r.Functions("RetrospectiveTools"); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered, got %v", err)
	}
}

func TestAddIfMissingRejectsInvalidSet(t *testing.T) {
	r := NewRegistry()
	cases := []FunctionSet{
		{Name: " "},
		{Name: "x", Functions: []Function{{Name: "a"}}},
		{Name: "x", Functions: []Function{{Name: "a", Handler: echo}, {Name: "a", Handler: echo}}},
	}
	for _, set := range cases {
		if _, err := r.AddIfMissing(set); !errors.Is(err, ErrInvalidSet) {
			t.Fatalf("expected ErrInvalidSet for %+v, got %v", set, err)
		}
	}
	if r.Len() != 0 {
		t.Fatalf("invalid sets must not be registered")
	}
}

func TestPolicyFiltersFunctions(t *testing.T) {
	r := NewRegistry(
		WithPolicy(Policy{DeniedFunctions: []string{"GET_TEAM_VELOCITY"}}),
	)
	if _, err := r.AddIfMissing(planningSet("SprintPlanningTools")); err != nil {
		t.Fatalf("register: %v", err)
	}
	info, err := r.Info("sprintPlanningTools")
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if len(info.Functions) != 1 || info.Functions[0] != "get_backlog_tasks" {
		t.Fatalf("denied function was not filtered: %v", info.Functions)
	}
}

func TestRegistryFromConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plugins.yaml")
	content := []byte(`
defaults:
  deniedFunctions: [get_team_velocity]
sets:
  SprintPlanningTools:
    policy:
      allowedFunctions: [get_team_velocity]
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadRegistryConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	r, err := NewRegistryFromConfig(cfg)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	if _, err := r.AddIfMissing(planningSet("SprintPlanningTools")); err != nil {
		t.Fatalf("register: %v", err)
	}
	fns, _ := r.Functions("SprintPlanningTools")
	if len(fns) != 0 {
		t.Fatalf("merged policy should deny the only allowed function, got %d", len(fns))
	}
}

func TestRegistryConfigRejectsCaseDuplicates(t *testing.T) {
	cfg := RegistryConfig{Sets: map[string]SetConfig{"Tools": {}, "tools": {}}}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for case duplicates")
	}
}
