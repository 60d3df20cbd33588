// Package async runs background work without bare go statements: Go
// recovers panics and logs failures of fire-and-forget tasks, Batch fans
// a slice out over a bounded number of goroutines.
package async
