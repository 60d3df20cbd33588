// Package contextkeys provides centralized context key definitions.
//
// Every value placed in a request context by this service is keyed here,
// with the middleware that sets it and the code that reads it.
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// RankKey contains the caller's rank
	// Set by: middleware.AuthMiddleware (pkg/middleware/auth.go)
	// Required by: rbac.PermissionMiddleware, /permissions/me
	// Type: int
	RankKey Key = "rank"

	// SubjectKey contains the token subject
	// Set by: middleware.AuthMiddleware
	// Used by: Logger, mutation logs
	// Type: string
	SubjectKey Key = "subject"
)

// WithRank stores the caller's rank
func WithRank(ctx context.Context, rank int) context.Context {
	return context.WithValue(ctx, RankKey, rank)
}

// GetRank returns the caller's rank and whether one was set
func GetRank(ctx context.Context) (int, bool) {
	rank, ok := ctx.Value(RankKey).(int)
	return rank, ok
}

// WithSubject stores the token subject
func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, SubjectKey, subject)
}

// GetSubject returns the token subject, or "" if none
func GetSubject(ctx context.Context) string {
	subject, _ := ctx.Value(SubjectKey).(string)
	return subject
}
