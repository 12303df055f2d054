// Package ident generates the identifiers and timestamps used across
// tasks, test cases, documents, and artifact filenames.
package ident

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Common ID prefixes.
const (
	TaskPrefix     = "TASK"
	TestCasePrefix = "TC"
	DocumentPrefix = "DOC"
)

// New returns a unique identifier of the form
// <prefix><unix-seconds>_<12 hex chars>.
//
// Example: TASK1714376492_3f2a9b1c0d4e
func New(prefix string) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("%s%d_%s", prefix, time.Now().Unix(), raw)
}

// Now returns the current time in UTC. All persisted timestamps go
// through here so stored values compare consistently.
func Now() time.Time {
	return time.Now().UTC()
}

// Stamp returns a filesystem-safe UTC timestamp for artifact filenames,
// e.g. 20260824_153045.
func Stamp() string {
	return Now().Format("20060102_150405")
}
