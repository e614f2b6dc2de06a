// Package engine wires the component packages (clock, volume, buffer,
// page, tree, txn, mvv, accumulator, journal, recovery, cleanup) into a
// single running instance: the Exchange navigational-cursor façade,
// background worker supervision, and the alert/config surface spec.md
// §6 describes. It plays the role the teacher's cmd/demo + btree.Config
// glue play, generalized across many named Volumes and Trees.
package engine

import "time"

// CommitPolicy controls when a committing transaction's durability is
// established relative to its caller returning (spec.md §5 "Ordering
// guarantees").
type CommitPolicy int

const (
	// CommitHard fsyncs the journal before Commit returns.
	CommitHard CommitPolicy = iota
	// CommitGroup batches this commit's fsync with concurrently
	// committing transactions' fsyncs.
	CommitGroup
	// CommitSoft returns before fsync; durable only after the next
	// periodic journal flush.
	CommitSoft
)

// VolumeConfig is one `volume.N` line (spec.md §6).
type VolumeConfig struct {
	Name           string
	Path           string
	Mode           string // "create" | "createOnly" | "readOnly"
	PageSize       uint32
	InitialPages   uint32
	ExtensionPages uint32
	MaximumPages   uint32
}

// Config enumerates every engine knob spec.md §6 names.
type Config struct {
	// BufferFrames maps a page size to the number of frames a Pool of
	// that page size should hold ("buffer.count.<pageSize>").
	BufferFrames map[uint32]int
	Volumes      []VolumeConfig

	JournalPath string
	// JournalSize is the per-file block size in bytes; clamped up to
	// journal.MinBlockSize (128 KiB minimum, spec.md §6).
	JournalSize int64

	AppendOnly           bool
	IgnoreMissingVolumes bool

	CommitPolicy CommitPolicy

	CheckpointInterval time.Duration

	// PollInterval paces every background worker; -1 disables all of
	// them, for deterministic tests (spec.md §5 "the host may set
	// pollInterval = -1 to disable for testing").
	PollInterval time.Duration

	// LatchTimeout bounds a buffer-pool claim wait (spec.md §5,
	// defaulting to ~30s).
	LatchTimeout time.Duration

	// CleanupQueueCapacity bounds the Cleanup Manager's action queue.
	CleanupQueueCapacity int

	// NumTxnBuckets sizes the Transaction Index's lock striping.
	NumTxnBuckets int
}

// DefaultConfig returns a Config with spec.md's suggested defaults
// (mirrors the teacher's btree.DefaultConfig constructor shape).
func DefaultConfig() Config {
	return Config{
		BufferFrames:         map[uint32]int{4096: 256},
		JournalSize:          256 * 1024,
		CommitPolicy:         CommitHard,
		CheckpointInterval:   30 * time.Second,
		PollInterval:         2 * time.Second,
		LatchTimeout:         30 * time.Second,
		CleanupQueueCapacity: 1024,
		NumTxnBuckets:        256,
	}
}
