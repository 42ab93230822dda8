package store

import "fmt"

// RowCountError reports a cardinality violation: a lookup that must match
// exactly one row matched zero or several. It indicates corrupted state, so
// callers treat it as fatal for the unit of work that hit it.
type RowCountError struct {
	Entity string
	Key    string
	Want   int
	Got    int
}

func (e *RowCountError) Error() string {
	return fmt.Sprintf("bad number of %s rows (%d, want %d) for %s", e.Entity, e.Got, e.Want, e.Key)
}
