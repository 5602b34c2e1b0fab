package csn

// SyncState is where the engine is in its life.  Strictly forward
// through the bootstrap phases; Failed is terminal.
type SyncState uint8

const (
	StateIdle SyncState = iota
	StateHeaderSync
	StateCheckpointSelection
	StateConsensusAcquisition
	StateChunkDownload
	StateIncrementalCatchup
	StateSteadyState
	StateFailed
)

func (s SyncState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateHeaderSync:
		return "header-sync"
	case StateCheckpointSelection:
		return "checkpoint-selection"
	case StateConsensusAcquisition:
		return "consensus-acquisition"
	case StateChunkDownload:
		return "chunk-download"
	case StateIncrementalCatchup:
		return "incremental-catchup"
	case StateSteadyState:
		return "steady-state"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// VerificationLevel says how much already-derived state gets re-checked.
type VerificationLevel uint8

const (
	// VerifyMinimal checks supply and header linkage per block.
	VerifyMinimal VerificationLevel = iota

	// VerifyStandard additionally re-checks the final chunk download
	// root against the accepted commitment.
	VerifyStandard

	// VerifyParanoid additionally replays every block on a clone and
	// checks forward consistency against the commitment the live tree
	// produced.
	VerifyParanoid
)

// ParseVerificationLevel maps the config strings.
func ParseVerificationLevel(s string) (VerificationLevel, bool) {
	switch s {
	case "minimal":
		return VerifyMinimal, true
	case "standard":
		return VerifyStandard, true
	case "paranoid":
		return VerifyParanoid, true
	}
	return VerifyStandard, false
}
