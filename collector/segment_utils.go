package collector

import "strings"

const (
	segmentStatusUp         = "u"
	segmentStatusDown       = "d"
	segmentRolePrimary      = "p"
	segmentModeSynchronized = "s"
	segmentModeResyncing    = "r"
	segmentModeChangeTrack  = "c"
	segmentModeNotSyncing   = "n"
)

// segmentStatusValue maps gp_segment_configuration.status to a number:
// u -> 1, anything else (including missing) -> 0.
func segmentStatusValue(status string) float64 {
	if strings.ToLower(status) == segmentStatusUp {
		return 1
	}
	return 0
}

// segmentRoleValue maps role to a number: p -> 1, anything else -> 2.
func segmentRoleValue(role string) float64 {
	if strings.ToLower(role) == segmentRolePrimary {
		return 1
	}
	return 2
}

// segmentModeValue maps mode to a number: s -> 1, r -> 2, c -> 3,
// n -> 4. Missing mode counts as not syncing, unknown values as 0.
func segmentModeValue(mode string) float64 {
	if mode == "" {
		return 4
	}
	switch strings.ToLower(mode) {
	case segmentModeSynchronized:
		return 1
	case segmentModeResyncing:
		return 2
	case segmentModeChangeTrack:
		return 3
	case segmentModeNotSyncing:
		return 4
	default:
		return 0
	}
}

// replicationStateValue maps pg_stat_replication.state:
// streaming -> 1, catchup -> 2, backup -> 3, anything else -> 0.
func replicationStateValue(state string) float64 {
	switch strings.ToLower(state) {
	case "streaming":
		return 1
	case "catchup":
		return 2
	case "backup":
		return 3
	default:
		return 0
	}
}

// replicationSyncStateValue maps sync_state:
// sync -> 2, async -> 1, potential -> 0.5, anything else -> 0.
func replicationSyncStateValue(syncState string) float64 {
	switch strings.ToLower(syncState) {
	case "sync":
		return 2
	case "async":
		return 1
	case "potential":
		return 0.5
	default:
		return 0
	}
}
