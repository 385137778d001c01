package store

import "fmt"

// StoreCorruption is returned when the persisted state violates an
// invariant the store relies on, e.g. two distinct block hashes recorded
// for transfers in the same block number. It signals that data integrity
// cannot be trusted and should not be silently repaired.
type StoreCorruption struct {
	Reason string
}

func (e *StoreCorruption) Error() string {
	return fmt.Sprintf("store corruption: %s", e.Reason)
}

func newStoreCorruption(format string, args ...any) error {
	return &StoreCorruption{Reason: fmt.Sprintf(format, args...)}
}
