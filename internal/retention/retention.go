// Package retention prunes old snapshots from a backup directory.
package retention

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/linwinbackup/linwin/internal/manifest"
)

// Policy controls how many snapshots survive a prune.
type Policy struct {
	// KeepFulls is how many of the most recent full snapshots to keep,
	// along with every incremental that depends on them. Zero keeps
	// everything.
	KeepFulls int
}

// Plan lists what a prune would remove and keep.
type Plan struct {
	Keep   []string `json:"keep"`
	Remove []string `json:"remove"`
}

// Pruner applies a Policy to a manifest store.
type Pruner struct {
	store  *manifest.Store
	logger zerolog.Logger
}

// NewPruner creates a pruner over store.
func NewPruner(store *manifest.Store, logger zerolog.Logger) *Pruner {
	return &Pruner{
		store:  store,
		logger: logger.With().Str("component", "retention").Logger(),
	}
}

// Plan computes what the policy would remove without touching anything.
// A full snapshot is never removed while a kept snapshot depends on it.
func (p *Pruner) Plan(policy Policy) (*Plan, error) {
	names, err := p.store.List()
	if err != nil {
		return nil, err
	}
	plan := &Plan{}
	if policy.KeepFulls <= 0 {
		plan.Keep = names
		return plan, nil
	}

	// Walk newest to oldest counting fulls; everything at or after the
	// cutoff full survives, along with its chain.
	keptFulls := 0
	cutoff := -1
	for i := len(names) - 1; i >= 0; i-- {
		typ, _, _ := manifest.ParseSnapshotName(names[i])
		if typ == manifest.TypeFull {
			keptFulls++
			if keptFulls == policy.KeepFulls {
				cutoff = i
				break
			}
		}
	}
	if cutoff < 0 {
		// Fewer fulls exist than the policy keeps.
		plan.Keep = names
		return plan, nil
	}

	keep := make(map[string]bool)
	for _, name := range names[cutoff:] {
		keep[name] = true
	}
	// Chains of kept snapshots can reach below the cutoff; those links
	// stay too.
	for _, name := range names[cutoff:] {
		chain, err := p.store.Chain(name)
		if err != nil {
			return nil, fmt.Errorf("chain of %s: %w", name, err)
		}
		for _, m := range chain {
			keep[m.SnapshotName()] = true
		}
	}

	for _, name := range names {
		if keep[name] {
			plan.Keep = append(plan.Keep, name)
		} else {
			plan.Remove = append(plan.Remove, name)
		}
	}
	return plan, nil
}

// Apply executes the policy, deleting what Plan marks for removal.
func (p *Pruner) Apply(policy Policy) (*Plan, error) {
	plan, err := p.Plan(policy)
	if err != nil {
		return nil, err
	}
	for _, name := range plan.Remove {
		if err := p.store.Delete(name); err != nil {
			return plan, fmt.Errorf("prune %s: %w", name, err)
		}
		p.logger.Info().Str("snapshot", name).Msg("pruned snapshot")
	}
	return plan, nil
}
