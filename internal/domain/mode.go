package domain

// Mode identifies what a run does with each pending job.
type Mode int

const (
	ModeRebuildMenu Mode = 0
	ModeSingle      Mode = 1
	ModeSellAll     Mode = 2
	ModeParse       Mode = 3
	ModePairs       Mode = 4
	ModeLimitHold   Mode = 5

	ModeRebuildSingle Mode = 101
	ModeRebuildGroups Mode = 102
)

// String returns a human-readable name for the mode.
func (m Mode) String() string {
	switch m {
	case ModeRebuildMenu:
		return "(Re)Create Database"
	case ModeSingle:
		return "Single mode"
	case ModeSellAll:
		return "Sell All Positions"
	case ModeParse:
		return "Parse"
	case ModePairs:
		return "Pairs mode"
	case ModeLimitHold:
		return "Limit Holding"
	case ModeRebuildSingle:
		return "Create new single database"
	case ModeRebuildGroups:
		return "Create new groups database"
	default:
		return "Unknown"
	}
}

// IsRebuild reports whether the mode rewrites the store instead of running jobs.
func (m Mode) IsRebuild() bool {
	return m == ModeRebuildSingle || m == ModeRebuildGroups
}

// UniqueWalletsOnly reports whether an account is scheduled at most once per
// run regardless of how many modules it has queued.
func (m Mode) UniqueWalletsOnly() bool {
	return m == ModeSellAll || m == ModeParse || m == ModeLimitHold
}

// PerModule reports whether the run completes modules one by one rather than
// the whole account at once.
func (m Mode) PerModule() bool {
	return m == ModeSingle
}
