// Package uuid provides UUID v4 generation. Generated ids double as
// remote idempotency keys, so they must be globally unique and stable
// across retries.
package uuid

import "github.com/google/uuid"

// New generates a new UUID v4.
func New() string {
	return uuid.New().String()
}
