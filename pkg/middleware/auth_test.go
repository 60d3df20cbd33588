package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veloce/authz/pkg/contextkeys"
)

const testSecret = "test-secret-with-enough-entropy"

func captureHandler(rank *int, subject *string, called *bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called = true
		if got, ok := contextkeys.GetRank(r.Context()); ok {
			*rank = got
		}
		*subject = contextkeys.GetSubject(r.Context())
		w.WriteHeader(http.StatusOK)
	})
}

func TestTokenVerifier_SignAndVerify(t *testing.T) {
	v := NewTokenVerifier(testSecret, "authz")

	token, err := v.Sign("user-42", 7, time.Minute)
	require.NoError(t, err)

	claims, err := v.Verify(token)
	require.NoError(t, err)
	require.NotNil(t, claims.Rank)
	assert.Equal(t, 7, *claims.Rank)
	assert.Equal(t, "user-42", claims.Subject)
}

func TestTokenVerifier_Rejections(t *testing.T) {
	v := NewTokenVerifier(testSecret, "authz")

	t.Run("expired", func(t *testing.T) {
		token, err := v.Sign("u", 1, -time.Hour)
		require.NoError(t, err)
		_, err = v.Verify(token)
		assert.ErrorIs(t, err, ErrTokenExpired)
	})

	t.Run("wrong secret", func(t *testing.T) {
		token, err := NewTokenVerifier("other-secret", "authz").Sign("u", 1, time.Minute)
		require.NoError(t, err)
		_, err = v.Verify(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		token, err := NewTokenVerifier(testSecret, "someone-else").Sign("u", 1, time.Minute)
		require.NoError(t, err)
		_, err = v.Verify(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("missing rank claim", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			Subject:   "u",
			Issuer:    "authz",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		}).SignedString([]byte(testSecret))
		require.NoError(t, err)
		_, err = v.Verify(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("other algorithm", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, Claims{
			Rank: new(int),
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    "authz",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
			},
		}).SignedString([]byte(testSecret))
		require.NoError(t, err)
		_, err = v.Verify(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := v.Verify("not-a-token")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestAuthMiddleware_Handler(t *testing.T) {
	v := NewTokenVerifier(testSecret, "")
	valid, err := v.Sign("user-1", 5, time.Minute)
	require.NoError(t, err)

	tests := []struct {
		name        string
		optional    bool
		header      string
		wantStatus  int
		wantCalled  bool
		wantRank    int
		wantSubject string
	}{
		{name: "valid token", header: "Bearer " + valid, wantStatus: http.StatusOK, wantCalled: true, wantRank: 5, wantSubject: "user-1"},
		{name: "lowercase scheme", header: "bearer " + valid, wantStatus: http.StatusOK, wantCalled: true, wantRank: 5, wantSubject: "user-1"},
		{name: "missing header", wantStatus: http.StatusUnauthorized},
		{name: "missing header optional", optional: true, wantStatus: http.StatusOK, wantCalled: true},
		{name: "wrong scheme", header: "Basic abc", wantStatus: http.StatusUnauthorized},
		{name: "invalid token optional", optional: true, header: "Bearer nope", wantStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var (
				rank    int
				subject string
				called  bool
			)
			handler := NewAuthMiddleware(v, tt.optional, nil).Handler(captureHandler(&rank, &subject, &called))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantCalled, called)
			assert.Equal(t, tt.wantRank, rank)
			assert.Equal(t, tt.wantSubject, subject)
		})
	}
}
