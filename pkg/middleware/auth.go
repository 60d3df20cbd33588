package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/veloce/authz/pkg/contextkeys"
	"github.com/veloce/authz/pkg/httputil"
	"github.com/veloce/authz/pkg/observability"
)

var (
	// ErrMissingToken is returned when no bearer token was sent
	ErrMissingToken = errors.New("missing authorization token")
	// ErrInvalidToken covers bad signatures, malformed tokens and missing claims
	ErrInvalidToken = errors.New("invalid token")
	// ErrTokenExpired is returned for an expired token
	ErrTokenExpired = errors.New("token expired")
)

// Claims carries the caller's rank. Subject identifies the caller for
// logging only.
type Claims struct {
	Rank *int `json:"rank"`
	jwt.RegisteredClaims
}

// TokenVerifier validates HS256 bearer tokens
type TokenVerifier struct {
	secret []byte
	issuer string
	leeway time.Duration
}

// NewTokenVerifier creates a verifier. An empty issuer accepts any issuer.
func NewTokenVerifier(secret, issuer string) *TokenVerifier {
	return &TokenVerifier{
		secret: []byte(secret),
		issuer: issuer,
		leeway: 30 * time.Second,
	}
}

// Verify parses and validates tokenString
func (v *TokenVerifier) Verify(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(v.leeway),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Rank == nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Sign issues a token for rank. Used by the CLI and tests.
func (v *TokenVerifier) Sign(subject string, rank int, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Rank: &rank,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// AuthMiddleware places the caller's rank from a bearer token in the
// request context
type AuthMiddleware struct {
	verifier *TokenVerifier
	optional bool // If true, allow requests without auth
	logger   *observability.Logger
}

// NewAuthMiddleware creates a new authentication middleware
func NewAuthMiddleware(verifier *TokenVerifier, optional bool, logger *observability.Logger) *AuthMiddleware {
	if logger == nil {
		logger = observability.Nop()
	}
	return &AuthMiddleware{
		verifier: verifier,
		optional: optional,
		logger:   logger,
	}
}

// Handler wraps an HTTP handler with authentication
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := bearerToken(r)
		if errors.Is(err, ErrMissingToken) && m.optional {
			next.ServeHTTP(w, r)
			return
		}
		if err != nil {
			httputil.WriteUnauthorized(w, err.Error())
			return
		}

		claims, err := m.verifier.Verify(token)
		if err != nil {
			m.logger.WithError(err).WithField("request_id", observability.GetRequestID(r.Context())).Debug("token rejected")
			httputil.WriteUnauthorized(w, err.Error())
			return
		}

		ctx := contextkeys.WithRank(r.Context(), *claims.Rank)
		if claims.Subject != "" {
			ctx = contextkeys.WithSubject(ctx, claims.Subject)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// bearerToken extracts the token from "Authorization: Bearer <token>"
func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingToken
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", errors.New("invalid authorization header format")
	}
	return strings.TrimSpace(parts[1]), nil
}
