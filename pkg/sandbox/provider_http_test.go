package sandbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newProviderServer(t *testing.T) (*HTTPProvider, *[]string) {
	t.Helper()
	var calls []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.Path)
		assert.Equal(t, "Bearer key-1", r.Header.Get("Authorization"))

		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/instances":
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "user-1", body["user_id"])
			assert.Equal(t, "tpl-base", body["template_id"])
			json.NewEncoder(w).Encode(map[string]string{"id": "inst-1"})
		case r.URL.Path == "/instances/inst-1/ports":
			json.NewEncoder(w).Encode(map[string]string{"url": "https://p6060.example.com"})
		case r.URL.Path == "/instances/inst-1/exec":
			json.NewEncoder(w).Encode(map[string]string{"output": "ok\n"})
		case r.URL.Path == "/instances/missing":
			http.Error(w, "no such instance", http.StatusNotFound)
		default:
			json.NewEncoder(w).Encode(map[string]string{})
		}
	}))
	t.Cleanup(srv.Close)

	p, err := NewHTTPProvider(map[string]string{
		"SANDBOX_PROVIDER_API_URL": srv.URL + "/", // trailing slash is trimmed
		"SANDBOX_PROVIDER_API_KEY": "key-1",
	})
	require.NoError(t, err)
	return p, &calls
}

func TestHTTPProviderRequiresURL(t *testing.T) {
	_, err := NewHTTPProvider(map[string]string{"SANDBOX_PROVIDER_API_KEY": "k"})
	assert.ErrorContains(t, err, "SANDBOX_PROVIDER_API_URL")
}

func TestHTTPProviderLifecycle(t *testing.T) {
	p, calls := newProviderServer(t)
	ctx := context.Background()

	inst, err := p.Create(ctx, "user-1", "tpl-base")
	require.NoError(t, err)
	assert.Equal(t, "inst-1", inst.ID())

	url, err := inst.ExposePort(ctx, 6060)
	require.NoError(t, err)
	assert.Equal(t, "https://p6060.example.com", url)

	out, err := inst.RunCmd(ctx, "echo ok", false)
	require.NoError(t, err)
	assert.Equal(t, "ok\n", out)

	require.NoError(t, inst.Pause(ctx))
	require.NoError(t, inst.Resume(ctx))
	require.NoError(t, inst.WriteFile(ctx, "/w/x.txt", "hi"))
	require.NoError(t, inst.CreateDirectory(ctx, "/w/dir"))
	require.NoError(t, inst.Delete(ctx))

	assert.Equal(t, []string{
		"POST /instances",
		"POST /instances/inst-1/ports",
		"POST /instances/inst-1/exec",
		"POST /instances/inst-1/pause",
		"POST /instances/inst-1/resume",
		"POST /instances/inst-1/files/write",
		"POST /instances/inst-1/files/mkdir",
		"DELETE /instances/inst-1",
	}, *calls)
}

func TestHTTPProviderSurfacesVendorErrors(t *testing.T) {
	p, _ := newProviderServer(t)

	_, err := p.Connect(context.Background(), "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Contains(t, err.Error(), "no such instance")
}
