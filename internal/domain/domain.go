// Package domain holds the small value types shared by the store, the
// scheduler and the CLI: job modes, module statuses and random ranges.
package domain
