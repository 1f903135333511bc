package commands

import "strings"

// Flags is a bitset of behavior modifiers carried by a command.
type Flags uint32

// Flag values.
const (
	// SkipLocking disables per-key locking for the command.
	SkipLocking Flags = 1 << iota
	// SkipLoad prevents read-through from external stores.
	SkipLoad
	// SkipStore prevents write-through to external stores.
	SkipStore
	// ForceReturnValue makes writes return the previous value.
	ForceReturnValue
	// CacheModeLocal keeps the command on the local node: no routing, no replication.
	CacheModeLocal
	// ZeroLockTimeout fails immediately instead of waiting for a held lock.
	ZeroLockTimeout
	// FailSilently turns a failure into a nil result.
	FailSilently
	// SkipRemoteLookup serves reads from local data only.
	SkipRemoteLookup
	// SkipStatistics excludes the command from statistics.
	SkipStatistics
	// BackupWrite marks a write a primary owner replicates to a backup owner.
	BackupWrite
	// SkipL1 prevents storing a remotely fetched value in L1.
	SkipL1
)

//nolint:gochecknoglobals
var flagNames = []string{
	"SKIP_LOCKING", "SKIP_LOAD", "SKIP_STORE", "FORCE_RETURN_VALUE", "CACHE_MODE_LOCAL",
	"ZERO_LOCK_TIMEOUT", "FAIL_SILENTLY", "SKIP_REMOTE_LOOKUP", "SKIP_STATISTICS", "BACKUP_WRITE", "SKIP_L1",
}

// Has reports whether every bit of f is set.
func (fl Flags) Has(f Flags) bool { return fl&f == f }

// With returns fl with f set.
func (fl Flags) With(f Flags) Flags { return fl | f }

// Without returns fl with f cleared.
func (fl Flags) Without(f Flags) Flags { return fl &^ f }

func (fl Flags) String() string {
	if fl == 0 {
		return "NONE"
	}

	names := make([]string, 0, len(flagNames))

	for i, name := range flagNames {
		if fl&(1<<i) != 0 {
			names = append(names, name)
		}
	}

	return strings.Join(names, "|")
}

// Combine ORs a list of flags.
func Combine(flags ...Flags) Flags {
	var out Flags
	for _, f := range flags {
		out |= f
	}

	return out
}
