// Package id provides unique identifier generation for jobs.
package id

import "github.com/google/uuid"

// Generate creates a new unique job ID.
// Job IDs double as media IDs, so they use the same random UUID format.
// Example: 3f1c2a9e-6b7d-4c1e-9a52-0d8b7e6f1a23
func Generate() string {
	return uuid.NewString()
}

// Valid reports whether s is a well-formed job ID.
func Valid(s string) bool {
	return uuid.Validate(s) == nil
}
