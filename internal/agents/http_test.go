package agents

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowrun/pkg/schema"
)

func runHTTP(t *testing.T, cfg map[string]any, inputs map[string]any) (*ExecutionResult, error) {
	t.Helper()
	return NewExecutor(NewHTTPStrategy(nil)).Execute(context.Background(),
		descriptor(t, schema.AgentTypeHTTP, cfg), inputs, nil)
}

func TestHTTP_GETWithTemplates(t *testing.T) {
	var gotPath, gotQuery, gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotQuery, gotHeader = r.URL.Path, r.URL.Query().Get("page"), r.Header.Get("X-User")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"greeting": "hello"})
	}))
	defer srv.Close()

	res, err := runHTTP(t, map[string]any{
		"url":     srv.URL + "/users/{{inputs.id}}",
		"query":   map[string]any{"page": "{{page}}"},
		"headers": map[string]any{"X-User": "{{inputs.name}}"},
	}, map[string]any{"id": 7, "page": 2, "name": "ana"})
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)

	assert.Equal(t, "/users/7", gotPath)
	assert.Equal(t, "2", gotQuery)
	assert.Equal(t, "ana", gotHeader)

	out := res.Output.(map[string]any)
	assert.Equal(t, 200, out["status_code"])
	assert.Equal(t, 1, out["attempts"])
	assert.Equal(t, map[string]any{"greeting": "hello"}, out["body"])
	assert.Equal(t, 1, res.Metrics.APICalls)
	assert.Positive(t, res.Metrics.NetworkBytes)

	require.Len(t, res.Logs, 1)
	assert.Equal(t, schema.LogInfo, res.Logs[0].Level)
	assert.Equal(t, "GET "+srv.URL+"/users/7?page=2 -> 200", res.Logs[0].Message)
}

func TestHTTP_POSTJSONBodyAndBearer(t *testing.T) {
	var body map[string]any
	var auth, ctype string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth, ctype = r.Header.Get("Authorization"), r.Header.Get("Content-Type")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	res, err := runHTTP(t, map[string]any{
		"method": "post",
		"url":    srv.URL,
		"body":   map[string]any{"user": "{{inputs.user}}", "n": 1},
		"auth":   map[string]any{"type": "bearer", "token": "{{token}}"},
	}, map[string]any{"user": map[string]any{"id": "u1"}, "token": "secret"})
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)

	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, "application/json", ctype)
	assert.Equal(t, map[string]any{"user": map[string]any{"id": "u1"}, "n": 1.0}, body)
	assert.Equal(t, 201, res.Output.(map[string]any)["status_code"])
}

func TestHTTP_FormBodyAndBasicAuth(t *testing.T) {
	var user, pass, field string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, _ = r.BasicAuth()
		_ = r.ParseForm()
		field = r.PostForm.Get("q")
	}))
	defer srv.Close()

	res, err := runHTTP(t, map[string]any{
		"method":        "POST",
		"url":           srv.URL,
		"body":          map[string]any{"q": "go"},
		"body_encoding": "form",
		"auth":          map[string]any{"type": "basic", "username": "u", "password": "p"},
	}, nil)
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "u", user)
	assert.Equal(t, "p", pass)
	assert.Equal(t, "go", field)
}

func TestHTTP_RetriesOnConfiguredStatus(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	res, err := runHTTP(t, map[string]any{
		"url":   srv.URL,
		"retry": map[string]any{"max_attempts": 3, "delay_ms": 1},
	}, nil)
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, 3, res.Output.(map[string]any)["attempts"])
	assert.Equal(t, "ok", res.Output.(map[string]any)["body"])
	assert.Equal(t, 3, res.Metrics.APICalls)
}

func TestHTTP_RetryExhaustedFails(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	res, err := runHTTP(t, map[string]any{
		"url":   srv.URL,
		"retry": map[string]any{"max_attempts": 2, "delay_ms": 1},
	}, nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "429")
	assert.Equal(t, int32(2), hits.Load())
}

func TestHTTP_ErrorStatusPolicy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	res, err := runHTTP(t, map[string]any{"url": srv.URL}, nil)
	require.NoError(t, err)
	assert.False(t, res.Success)

	res, err = runHTTP(t, map[string]any{"url": srv.URL, "fail_on_error_status": false}, nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 404, res.Output.(map[string]any)["status_code"])
}

func TestHTTP_InvalidURLIsConfigurationError(t *testing.T) {
	_, err := runHTTP(t, map[string]any{"url": "ftp://example.com"}, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConfiguration, schema.CodeOf(err))
}
