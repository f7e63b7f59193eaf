package retention

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/linwinbackup/linwin/internal/manifest"
)

func seedStore(t *testing.T) *manifest.Store {
	t.Helper()
	store, err := manifest.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	// Two generations: a full with one incremental each.
	for _, m := range []*manifest.Manifest{
		{Type: manifest.TypeFull, Timestamp: "20250101_000000"},
		{Type: manifest.TypeIncremental, Timestamp: "20250102_000000", BaseBackup: "full_backup_20250101_000000"},
		{Type: manifest.TypeFull, Timestamp: "20250108_000000"},
		{Type: manifest.TypeIncremental, Timestamp: "20250109_000000", BaseBackup: "full_backup_20250108_000000"},
	} {
		if err := store.Write(m); err != nil {
			t.Fatal(err)
		}
	}
	return store
}

func TestPlanKeepOne(t *testing.T) {
	store := seedStore(t)
	p := NewPruner(store, zerolog.Nop())

	plan, err := p.Plan(Policy{KeepFulls: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Keep) != 2 {
		t.Errorf("Keep = %v", plan.Keep)
	}
	if len(plan.Remove) != 2 {
		t.Errorf("Remove = %v", plan.Remove)
	}
	for _, name := range plan.Remove {
		if name == "full_backup_20250108_000000" || name == "incremental_backup_20250109_000000" {
			t.Errorf("newest generation marked for removal: %s", name)
		}
	}
}

func TestPlanZeroKeepsEverything(t *testing.T) {
	store := seedStore(t)
	plan, err := NewPruner(store, zerolog.Nop()).Plan(Policy{})
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Remove) != 0 {
		t.Errorf("Remove = %v, want nothing", plan.Remove)
	}
}

func TestPlanKeepsDependedOnFull(t *testing.T) {
	store, err := manifest.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	// The newest snapshot is an incremental chained to the only full, so
	// pruning to one full must keep that full even though a later
	// incremental exists above it.
	for _, m := range []*manifest.Manifest{
		{Type: manifest.TypeFull, Timestamp: "20250101_000000"},
		{Type: manifest.TypeIncremental, Timestamp: "20250102_000000", BaseBackup: "full_backup_20250101_000000"},
		{Type: manifest.TypeIncremental, Timestamp: "20250103_000000", BaseBackup: "incremental_backup_20250102_000000"},
	} {
		if err := store.Write(m); err != nil {
			t.Fatal(err)
		}
	}

	plan, err := NewPruner(store, zerolog.Nop()).Plan(Policy{KeepFulls: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Remove) != 0 {
		t.Errorf("Remove = %v, chain members must survive", plan.Remove)
	}
}

func TestApplyDeletes(t *testing.T) {
	store := seedStore(t)
	plan, err := NewPruner(store, zerolog.Nop()).Apply(Policy{KeepFulls: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Remove) != 2 {
		t.Fatalf("Remove = %v", plan.Remove)
	}
	names, err := store.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 {
		t.Errorf("List() = %v after prune", names)
	}
}
