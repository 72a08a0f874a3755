package es

// Config tunes the snapshot manager. Field tags are read by app.LoadConfig.
type Config struct {
	// SnapshotThreshold is the number of folded events after which a live
	// reconstruction writes a snapshot. Zero or less disables snapshots.
	SnapshotThreshold int `env:"SNAPSHOT_THRESHOLD" envDefault:"5"`
	// SnapshotFailureEscalation is the number of consecutive failed snapshot
	// writes after which failures are logged at error level.
	SnapshotFailureEscalation int `env:"SNAPSHOT_FAILURE_ESCALATION" envDefault:"3"`
	// SnapshotCacheSize bounds the latest-snapshot cache. Zero disables it.
	SnapshotCacheSize int `env:"SNAPSHOT_CACHE_SIZE" envDefault:"1024"`
}

func DefaultConfig() Config {
	return Config{
		SnapshotThreshold:         5,
		SnapshotFailureEscalation: 3,
		SnapshotCacheSize:         1024,
	}
}
