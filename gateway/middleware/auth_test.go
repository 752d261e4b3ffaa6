package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"pegledger/crypto"
)

const testSecret = "unit-test-secret"

var testCaller = crypto.MustNewAddress(crypto.AccountPrefix, []byte{
	1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20,
})

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func captureCaller(seen *crypto.Address) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*seen = CallerFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
}

func newTestAuth() *Authenticator {
	return NewAuthenticator(AuthConfig{
		Enabled:    true,
		HMACSecret: testSecret,
		Issuer:     "pegledger",
		Audience:   "ledger",
	}, nil)
}

func TestAuthenticatorResolvesSubject(t *testing.T) {
	var seen crypto.Address
	handler := newTestAuth().Middleware()(captureCaller(&seen))

	req := httptest.NewRequest(http.MethodPost, "/v1/loans", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, jwt.MapClaims{
		"sub": testCaller.String(),
		"iss": "pegledger",
		"aud": "ledger",
		"exp": time.Now().Add(time.Hour).Unix(),
	}))
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	require.Equal(t, http.StatusOK, res.Code)
	require.True(t, seen.Equal(testCaller))
}

func TestAuthenticatorRejectsBadTokens(t *testing.T) {
	var seen crypto.Address
	handler := newTestAuth().Middleware()(captureCaller(&seen))

	cases := map[string]jwt.MapClaims{
		"expired":        {"sub": testCaller.String(), "iss": "pegledger", "aud": "ledger", "exp": time.Now().Add(-time.Hour).Unix()},
		"wrong issuer":   {"sub": testCaller.String(), "iss": "other", "aud": "ledger"},
		"wrong audience": {"sub": testCaller.String(), "iss": "pegledger", "aud": "other"},
		"bad subject":    {"sub": "not-an-address", "iss": "pegledger", "aud": "ledger"},
	}
	for name, claims := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/loans", nil)
			req.Header.Set("Authorization", "Bearer "+signToken(t, claims))
			res := httptest.NewRecorder()
			handler.ServeHTTP(res, req)
			require.Equal(t, http.StatusUnauthorized, res.Code)
		})
	}
}

func TestAuthenticatorAnonymousAndScopes(t *testing.T) {
	var seen crypto.Address
	auth := newTestAuth()

	res := httptest.NewRecorder()
	auth.Middleware()(captureCaller(&seen)).ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/v1/params", nil))
	require.Equal(t, http.StatusOK, res.Code)
	require.True(t, seen.IsZero())

	res = httptest.NewRecorder()
	auth.Middleware("admin")(captureCaller(&seen)).ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/v1/admin/oracle", nil))
	require.Equal(t, http.StatusUnauthorized, res.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/admin/oracle", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, jwt.MapClaims{
		"sub": testCaller.String(), "iss": "pegledger", "aud": "ledger", "scope": "loans",
	}))
	res = httptest.NewRecorder()
	auth.Middleware("admin")(captureCaller(&seen)).ServeHTTP(res, req)
	require.Equal(t, http.StatusForbidden, res.Code)
}

func TestAuthenticatorTrustedHeaderWhenDisabled(t *testing.T) {
	var seen crypto.Address
	auth := NewAuthenticator(AuthConfig{TrustCallerHeader: true}, nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/loans", nil)
	req.Header.Set(CallerHeader, testCaller.String())
	res := httptest.NewRecorder()
	auth.Middleware()(captureCaller(&seen)).ServeHTTP(res, req)
	require.Equal(t, http.StatusOK, res.Code)
	require.True(t, seen.Equal(testCaller))

	ignored := NewAuthenticator(AuthConfig{}, nil)
	seen = crypto.Address{}
	res = httptest.NewRecorder()
	ignored.Middleware()(captureCaller(&seen)).ServeHTTP(res, req)
	require.True(t, seen.IsZero())
}

func TestRequestIDPropagates(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	require.Equal(t, "abc-123", seen)
	require.Equal(t, "abc-123", res.Header().Get(RequestIDHeader))

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Len(t, seen, 36)
}
