package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testJWTSecret = "test-secret-at-least-16-chars"

func testAuth(t *testing.T) *Auth {
	t.Helper()
	a, err := New(Options{
		Logger:    zap.NewNop(),
		JWTSecret: testJWTSecret,
	})
	require.NoError(t, err)
	return a
}

func signToken(t *testing.T, secret string, claims *Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func userClaims(authUserID string) *Claims {
	return &Claims{
		StandardClaims: jwt.StandardClaims{
			Subject:   authUserID,
			Audience:  "authenticated",
			ExpiresAt: time.Now().Add(time.Hour).Unix(),
		},
		Email: "one@example.com",
		Role:  "authenticated",
	}
}

func TestNewRejectsShortSecret(t *testing.T) {
	_, err := New(Options{
		Logger:    zap.NewNop(),
		JWTSecret: "short",
	})
	assert.Error(t, err)
}

func TestVerifyToken(t *testing.T) {
	a := testAuth(t)

	token := signToken(t, testJWTSecret, userClaims("auth-1"))

	claims, err := a.VerifyToken(token)
	require.NoError(t, err)
	require.NotNil(t, claims)
	assert.Equal(t, "auth-1", claims.UserID())
	assert.Equal(t, "one@example.com", claims.Email)
}

func TestVerifyTokenWrongKey(t *testing.T) {
	a := testAuth(t)

	token := signToken(t, "another-secret-16-chars-long", userClaims("auth-1"))

	claims, err := a.VerifyToken(token)
	require.NoError(t, err)
	assert.Nil(t, claims)
}

func TestVerifyTokenExpired(t *testing.T) {
	a := testAuth(t)

	c := userClaims("auth-1")
	c.ExpiresAt = time.Now().Add(-time.Hour).Unix()
	token := signToken(t, testJWTSecret, c)

	claims, err := a.VerifyToken(token)
	require.NoError(t, err)
	assert.Nil(t, claims)
}

func TestVerifyTokenWrongAudience(t *testing.T) {
	a := testAuth(t)

	c := userClaims("auth-1")
	c.Audience = "service_role"
	token := signToken(t, testJWTSecret, c)

	claims, err := a.VerifyToken(token)
	require.NoError(t, err)
	assert.Nil(t, claims)
}

func TestVerifyTokenGarbage(t *testing.T) {
	a := testAuth(t)

	claims, err := a.VerifyToken("not.a.token")
	require.NoError(t, err)
	assert.Nil(t, claims)
}

func middlewareProbe(a *Auth) (http.Handler, *bool, **Claims) {
	var reached bool
	var seen *Claims
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
		seen, _ = r.Context().Value(Context).(*Claims)
		w.WriteHeader(http.StatusOK)
	})
	return a.Middleware()(inner), &reached, &seen
}

func TestMiddlewareNoBearer(t *testing.T) {
	a := testAuth(t)
	handler, reached, _ := middlewareProbe(a)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.False(t, *reached)
}

func TestMiddlewareRejectsInvalidToken(t *testing.T) {
	a := testAuth(t)
	handler, reached, _ := middlewareProbe(a)

	token := signToken(t, "another-secret-16-chars-long", userClaims("auth-1"))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.False(t, *reached)
}

func TestMiddlewareInjectsClaims(t *testing.T) {
	a := testAuth(t)
	handler, reached, seen := middlewareProbe(a)

	token := signToken(t, testJWTSecret, userClaims("auth-1"))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, *reached)
	require.NotNil(t, *seen)
	assert.Equal(t, "auth-1", (*seen).UserID())
}

func TestClaimCheckWithoutClaims(t *testing.T) {
	a := testAuth(t)

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := a.ClaimCheck()(inner)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}
