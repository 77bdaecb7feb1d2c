package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowmesh/pkg/config"
	"github.com/flowmesh/flowmesh/pkg/memory"
	"github.com/flowmesh/flowmesh/test/util"
)

func TestMemoryHandlersRequireKey(t *testing.T) {
	s := &Server{}

	c, _ := jsonContext(http.MethodPut, "/memory/", `{"value": {}}`)
	assertHTTPError(t, s.putMemoryHandler(c), http.StatusBadRequest, "memory key is required")

	c, _ = jsonContext(http.MethodGet, "/memory/", "")
	assertHTTPError(t, s.getMemoryHandler(c), http.StatusBadRequest, "memory key is required")

	c, _ = jsonContext(http.MethodDelete, "/memory/", "")
	assertHTTPError(t, s.deleteMemoryHandler(c), http.StatusBadRequest, "memory key is required")
}

func TestMemoryEndpoints(t *testing.T) {
	client := util.SetupTestDatabase(t)

	cfg := &config.Config{}
	cfg.Auth.JWTSecret = "test-secret"
	s := NewServer(cfg, nil, nil, nil, nil, nil, nil, memory.NewStore(client))

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	do := func(method, path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+token)
		if body != "" {
			req.Header.Set("Content-Type", "application/json")
		}
		rec := httptest.NewRecorder()
		s.Echo().ServeHTTP(rec, req)
		return rec
	}

	// Unauthenticated requests never reach the store.
	req := httptest.NewRequest(http.MethodGet, "/memory", nil)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(http.MethodPut, "/memory/preferences", `{"value": {"locale": "en-US"}}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(http.MethodPut, "/memory/preferences", `{"value": "not terminated`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(http.MethodGet, "/memory/preferences", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"locale"`)

	rec = do(http.MethodGet, "/memory", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"preferences"`)

	rec = do(http.MethodDelete, "/memory/preferences", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(http.MethodGet, "/memory/preferences", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
