package tracemon

import "time"

const (
	defaultFrequencyInterval  = time.Second
	defaultWorkingSetInterval = time.Second

	// Starting size of the resident-page buffer used by one working-set
	// sampling pass. It grows on demand when a process reports a larger
	// working set.
	defaultWorkingSetBufferEntries = 100_000
)

// Config holds configuration for both sampling subsystems.
type Config struct {
	// FrequencyInterval is the pause between frequency sampling rounds.
	FrequencyInterval time.Duration
	// WorkingSetInterval is the pause between working-set sampling passes.
	WorkingSetInterval time.Duration
	// ProcessFilter selects the processes the working-set sampler reports
	// on: the wildcard token "*" for every process, or a ";"-separated
	// list of image names matched case-insensitively. An empty filter
	// selects nothing and disables sampling until SetFilter is called.
	ProcessFilter string
	// WorkingSetBufferEntries overrides the starting resident-page buffer
	// size. Mostly useful in tests.
	WorkingSetBufferEntries int
}

func normalizeConfig(cfg Config) Config {
	normalized := cfg

	if normalized.FrequencyInterval <= 0 {
		normalized.FrequencyInterval = defaultFrequencyInterval
	}
	if normalized.WorkingSetInterval <= 0 {
		normalized.WorkingSetInterval = defaultWorkingSetInterval
	}
	if normalized.WorkingSetBufferEntries <= 0 {
		normalized.WorkingSetBufferEntries = defaultWorkingSetBufferEntries
	}

	return normalized
}
