package quasar

import (
	"context"
	"sort"

	"github.com/vthunder/quasar-intents/internal/intent"
	"github.com/vthunder/quasar-intents/internal/logging"
)

// Store is the scenario store Sync reconciles against
type Store interface {
	OwnedScenarios(ctx context.Context) (map[string]string, error)
	Upsert(ctx context.Context, in *intent.Intent, remoteID string, target *Device) error
	DeleteStale(ctx context.Context, active []*intent.Intent) error
	Running() bool
}

// SyncReport summarizes one Sync
type SyncReport struct {
	Created []string
	Updated []string
	Failed  []string
	// Stopped is set when the store was stopped before every intent was handled
	Stopped bool
}

// Sync makes the owned remote scenarios match intents. Stale scenarios go
// first, so a renamed intent never leaves a ghost next to its replacement.
// One failed upsert is logged and skipped; an authorization failure aborts the
// rest of the batch and is returned.
func Sync(ctx context.Context, store Store, intents []*intent.Intent, target *Device) (*SyncReport, error) {
	report := &SyncReport{}

	if err := store.DeleteStale(ctx, intents); err != nil {
		return report, err
	}

	owned, err := store.OwnedScenarios(ctx)
	if err != nil {
		return report, err
	}

	for _, in := range intents {
		if !store.Running() || ctx.Err() != nil {
			report.Stopped = true
			logging.Info("quasar", "Sync stopped before %q", in.Name)
			return report, nil
		}

		remoteID := owned[in.Name]
		err := store.Upsert(ctx, in, remoteID, target)
		switch {
		case err == nil && remoteID == "":
			report.Created = append(report.Created, in.Name)
		case err == nil:
			report.Updated = append(report.Updated, in.Name)
		case IsAuthError(err):
			report.Failed = append(report.Failed, in.Name)
			return report, err
		default:
			logging.Error("quasar", "Failed to create or update scenario %q: %v", in.ScenarioName(), err)
			report.Failed = append(report.Failed, in.Name)
		}
	}

	logging.Info("quasar", "Sync done: %d created, %d updated, %d failed",
		len(report.Created), len(report.Updated), len(report.Failed))
	return report, nil
}

// Op is a planned scenario change
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// PlanItem is one planned change
type PlanItem struct {
	Op       Op
	Name     string
	RemoteID string
}

// Plan lists what Sync would do given the owned scenarios: deletions first,
// then one create or update per intent in id order.
func Plan(intents []*intent.Intent, owned map[string]string) []PlanItem {
	active := make(map[string]bool, len(intents))
	for _, in := range intents {
		active[in.Name] = true
	}

	var stale []string
	for name := range owned {
		if !active[name] {
			stale = append(stale, name)
		}
	}
	sort.Strings(stale)

	plan := make([]PlanItem, 0, len(stale)+len(intents))
	for _, name := range stale {
		plan = append(plan, PlanItem{Op: OpDelete, Name: name, RemoteID: owned[name]})
	}
	for _, in := range intents {
		if id, ok := owned[in.Name]; ok {
			plan = append(plan, PlanItem{Op: OpUpdate, Name: in.Name, RemoteID: id})
		} else {
			plan = append(plan, PlanItem{Op: OpCreate, Name: in.Name})
		}
	}
	return plan
}
