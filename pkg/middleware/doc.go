// Package middleware provides the HTTP middleware that identifies the
// caller and limits request rates.
//
// AuthMiddleware verifies an HS256 bearer token and places the token's
// rank claim (and subject, when present) in the request context, where
// the rbac permission gate reads it:
//
//	verifier := middleware.NewTokenVerifier(secret, issuer)
//	auth := middleware.NewAuthMiddleware(verifier, false, logger)
//	router.Use(auth.Handler)
//
// RateLimitMiddleware applies a Limiter per caller. RateLimiter keeps
// token buckets in process; DistributedRateLimiter keeps fixed-window
// counters in Redis so replicas share limits:
//
//	limiter := middleware.NewDistributedRateLimiter(redisClient, cfg, "authz:ratelimit")
//	router.Use(middleware.NewRateLimitMiddleware(limiter, logger).Handler)
package middleware
