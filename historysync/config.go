package historysync

// Config holds the engine's tunables (spec §6 "Tunables").
type Config struct {
	// MaxClusters bounds |epoch_clusters|; the engine stops issuing new
	// EpochIds probes while at or above this bound (spec §4.4).
	MaxClusters int

	// MaxQueuedJobs bounds the job queue; the engine stops pulling
	// batch-sets from the active cluster while at or above this bound
	// (spec §4.5).
	MaxQueuedJobs int

	// CommitWorkers sizes the blocking worker pool that runs
	// push_history_sync calls (spec §9 "Commit on a worker").
	CommitWorkers int
}

// DefaultConfig returns the tunables recommended by spec §6.
func DefaultConfig() Config {
	return Config{
		MaxClusters:   128,
		MaxQueuedJobs: 4,
		CommitWorkers: 2,
	}
}
