package txscope

import (
	"strings"
	"time"
)

// IsolationLevel names a transaction isolation level independently of the
// driver; drivers translate it to their own enum.
type IsolationLevel string

// AccessMode selects a read-write or read-only transaction.
type AccessMode string

const (
	ReadUncommitted IsolationLevel = "read_uncommitted"
	ReadCommitted   IsolationLevel = "read_committed"
	RepeatableRead  IsolationLevel = "repeatable_read"
	Serializable    IsolationLevel = "serializable"

	ReadWrite AccessMode = "read_write"
	ReadOnly  AccessMode = "read_only"
)

// TxOptions captures per-boundary overrides. Only the root boundary of a
// chain applies them; nested boundaries join the root's transaction.
type TxOptions struct {
	Isolation   IsolationLevel
	AccessMode  AccessMode
	LockTimeout time.Duration
	TraceName   string
}

func mergeTxOptions(base, override TxOptions) TxOptions {
	result := base
	if override.Isolation != "" {
		result.Isolation = override.Isolation
	}
	if override.AccessMode != "" {
		result.AccessMode = override.AccessMode
	}
	if override.LockTimeout > 0 {
		result.LockTimeout = override.LockTimeout
	}
	if override.TraceName != "" {
		result.TraceName = override.TraceName
	}
	return result
}

// ParseIsolation maps configuration spellings onto an IsolationLevel,
// falling back to ReadCommitted.
func ParseIsolation(value string) IsolationLevel {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "serializable", "serial":
		return Serializable
	case "repeatable_read", "repeatable-read":
		return RepeatableRead
	case "read_uncommitted", "read-uncommitted":
		return ReadUncommitted
	default:
		return ReadCommitted
	}
}
