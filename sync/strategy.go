package sync

import (
	"time"

	"github.com/inkwell-sync/inkwell/models"
)

// DefaultFullStaleness is how old the last full sync may be before a smart
// sync escalates to full. Overridable via Options.
const DefaultFullStaleness = 7 * 24 * time.Hour

// ChooseStrategy resolves the smart strategy into full or incremental. It
// is a pure function of the scope's sync state snapshot: full when the
// scope has never been fully synced, when the last full sync is older than
// fullStaleness, or when the last run ended in error; incremental
// otherwise.
func ChooseStrategy(state *models.SyncState, now time.Time, fullStaleness time.Duration) models.SyncStrategy {
	if state == nil || state.LastFullSyncAt == nil {
		return models.SyncFull
	}
	if now.Sub(*state.LastFullSyncAt) > fullStaleness {
		return models.SyncFull
	}
	if state.Status == models.StateError {
		return models.SyncFull
	}
	return models.SyncIncremental
}
