// Package repo contains the PostgreSQL persistence layer. Every multi-step
// mutation that must be atomic (token rotation, reuse response) runs inside a
// single transaction here, behind the repository interface.
package repo

import "errors"

// ErrNotFound is returned when a lookup matches no row. Callers translate it
// into the appropriate domain failure; repositories never guess at intent.
var ErrNotFound = errors.New("not found")
