package sync

import (
	"time"

	"device-sync-service/internal/store"
)

type Statistics struct {
	TotalChanges           int                 `json:"total" yaml:"total"`
	ResolvedChanges        int                 `json:"resolved" yaml:"resolved"`
	PendingChanges         int                 `json:"pending" yaml:"pending"`
	TotalConflicts         int                 `json:"conflicts" yaml:"conflicts"`
	ResolvedConflicts      int                 `json:"resolvedConflicts" yaml:"resolvedConflicts"`
	PendingConflicts       int                 `json:"pendingConflicts" yaml:"pendingConflicts"`
	ConflictResolutionRate float64             `json:"conflictResolutionRate" yaml:"conflictResolutionRate"`
	ConnectedDevices       int                 `json:"connectedDevices" yaml:"connectedDevices"`
	LastSync               *time.Time          `json:"lastSync,omitempty" yaml:"lastSync,omitempty"`
	Progress               float64             `json:"progress" yaml:"progress"`
	Status                 store.SyncStatus    `json:"status" yaml:"status"`
	NetworkStatus          store.NetworkStatus `json:"networkStatus" yaml:"networkStatus"`
}

// ConflictResolutionRate is resolved/total, or 1 when there are no conflicts.
func ConflictResolutionRate(resolved, total int) float64 {
	if total == 0 {
		return 1.0
	}
	return float64(resolved) / float64(total)
}

func buildStatistics(totalChanges, resolvedChanges int, conflicts []*store.Conflict) Statistics {
	resolvedConflicts := 0
	for _, c := range conflicts {
		if c.Resolved {
			resolvedConflicts++
		}
	}

	return Statistics{
		TotalChanges:           totalChanges,
		ResolvedChanges:        resolvedChanges,
		PendingChanges:         totalChanges - resolvedChanges,
		TotalConflicts:         len(conflicts),
		ResolvedConflicts:      resolvedConflicts,
		PendingConflicts:       len(conflicts) - resolvedConflicts,
		ConflictResolutionRate: ConflictResolutionRate(resolvedConflicts, len(conflicts)),
	}
}
