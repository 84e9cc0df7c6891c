package mw_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vn.io.arda/notification-delivery/internal/transport/mw"
)

const secret = "test-secret"

func token(t *testing.T, key string, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
	require.NoError(t, err)
	return s
}

func serve(secret string, header http.Header) (*httptest.ResponseRecorder, map[string]string) {
	e := echo.New()
	seen := map[string]string{}
	g := e.Group("", mw.JWTAuth(secret), mw.TenantResolver())
	g.GET("/me", func(c echo.Context) error {
		seen["user"], _ = c.Get("userID").(string)
		seen["tenant"], _ = c.Get("tenantKey").(string)
		return c.NoContent(http.StatusOK)
	})
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec, seen
}

func bearer(tok string) http.Header {
	return http.Header{"Authorization": {"Bearer " + tok}}
}

func TestJWTAuth_VerifiedToken(t *testing.T) {
	tok := token(t, secret, jwt.MapClaims{
		"sub": "user-1",
		"iss": "http://keycloak:8080/realms/facility-a",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	rec, seen := serve(secret, bearer(tok))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user-1", seen["user"])
	assert.Equal(t, "facility-a", seen["tenant"])
}

func TestJWTAuth_Rejects(t *testing.T) {
	expired := token(t, secret, jwt.MapClaims{"sub": "u", "exp": time.Now().Add(-time.Minute).Unix()})
	wrongKey := token(t, "other", jwt.MapClaims{"sub": "u"})
	noSubject := token(t, secret, jwt.MapClaims{"name": "x"})

	cases := map[string]http.Header{
		"missing header": {},
		"not bearer":     {"Authorization": {"Basic abc"}},
		"garbage":        bearer("not.a.jwt"),
		"expired":        bearer(expired),
		"wrong key":      bearer(wrongKey),
		"no subject":     bearer(noSubject),
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			rec, _ := serve(secret, header)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestJWTAuth_UnverifiedMode(t *testing.T) {
	tok := token(t, "whatever", jwt.MapClaims{"sub": "user-2"})
	rec, seen := serve("", bearer(tok))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user-2", seen["user"])
	assert.Equal(t, mw.DefaultTenant, seen["tenant"])
}

func TestTenantResolver_HeaderWins(t *testing.T) {
	tok := token(t, secret, jwt.MapClaims{"sub": "u", "iss": "http://kc/realms/a"})
	h := bearer(tok)
	h.Set("X-Tenant-Key", "b")
	rec, seen := serve(secret, h)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "b", seen["tenant"])

	h.Set("X-Tenant-Key", "b:c")
	rec, _ = serve(secret, h)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
