package steps

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vantle/stepflow/pkg/schema"
)

func newHTTPTestConfig() HTTPConfig {
	return HTTPConfig{
		MaxResponseBody: 1024 * 1024,
		DefaultTimeout:  5 * time.Second,
	}
}

func fetch(t *testing.T, params map[string]any) (*schema.StepResult, error) {
	t.Helper()
	s := NewHTTPFetchStep(newHTTPTestConfig())
	return s.Execute(context.Background(), StepInput{Params: params})
}

// --- http.fetch ---

func TestHTTPFetch_Name(t *testing.T) {
	s := NewHTTPFetchStep(newHTTPTestConfig())
	assert.Equal(t, "http.fetch", s.Name())
}

func TestHTTPFetch_Validate_MissingURL(t *testing.T) {
	s := NewHTTPFetchStep(newHTTPTestConfig())
	err := s.Validate(map[string]any{})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestHTTPFetch_Validate_BadScheme(t *testing.T) {
	s := NewHTTPFetchStep(newHTTPTestConfig())
	err := s.Validate(map[string]any{"url": "ftp://example.com/file"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestHTTPFetch_GetJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"video_id":"abc123","duration":12.5}`)
	}))
	defer srv.Close()

	res, err := fetch(t, map[string]any{"url": srv.URL})
	require.NoError(t, err)

	body, ok := res.Output.(map[string]any)
	require.True(t, ok, "output should be parsed JSON, got %T", res.Output)
	assert.Equal(t, "abc123", body["video_id"])
	assert.Equal(t, 12.5, body["duration"])
	assert.Equal(t, 200, res.Extra["status_code"])
	assert.Contains(t, res.Extra["content_type"], "application/json")
}

func TestHTTPFetch_PlainTextBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "plain response")
	}))
	defer srv.Close()

	res, err := fetch(t, map[string]any{"url": srv.URL})
	require.NoError(t, err)
	assert.Equal(t, "plain response", res.Output)
}

func TestHTTPFetch_ErrorStatusFailsByDefault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not here", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := fetch(t, map[string]any{"url": srv.URL})
	require.Error(t, err)

	var sfErr *schema.StepflowError
	require.True(t, errors.As(err, &sfErr))
	assert.Equal(t, schema.ErrCodeStepExecution, sfErr.Code)
	assert.Contains(t, sfErr.Message, "404")
	assert.Equal(t, 404, sfErr.Details["status_code"])
}

func TestHTTPFetch_ErrorStatusTolerated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not here", http.StatusNotFound)
	}))
	defer srv.Close()

	res, err := fetch(t, map[string]any{
		"url":                  srv.URL,
		"fail_on_error_status": false,
	})
	require.NoError(t, err)
	assert.Equal(t, 404, res.Extra["status_code"])
}

func TestHTTPFetch_PostJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		var m map[string]any
		require.NoError(t, json.Unmarshal(body, &m))
		assert.Equal(t, float64(24), m["fps"])
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"accepted":true}`)
	}))
	defer srv.Close()

	res, err := fetch(t, map[string]any{
		"url":    srv.URL,
		"method": "POST",
		"body":   map[string]any{"fps": 24},
	})
	require.NoError(t, err)
	body := res.Output.(map[string]any)
	assert.Equal(t, true, body["accepted"])
}

func TestHTTPFetch_FormBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "value1", r.FormValue("field1"))
	}))
	defer srv.Close()

	_, err := fetch(t, map[string]any{
		"url":           srv.URL,
		"method":        "POST",
		"body":          map[string]any{"field1": "value1"},
		"body_encoding": "form",
	})
	require.NoError(t, err)
}

func TestHTTPFetch_CustomHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "custom-value", r.Header.Get("X-Custom"))
	}))
	defer srv.Close()

	_, err := fetch(t, map[string]any{
		"url":     srv.URL,
		"headers": map[string]any{"X-Custom": "custom-value"},
	})
	require.NoError(t, err)
}

func TestHTTPFetch_QueryParams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "24", r.URL.Query().Get("fps"))
		assert.Equal(t, "gif", r.URL.Query().Get("format"))
	}))
	defer srv.Close()

	_, err := fetch(t, map[string]any{
		"url":   srv.URL,
		"query": map[string]any{"fps": 24, "format": "gif"},
	})
	require.NoError(t, err)
}

func TestHTTPFetch_BearerAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))
	}))
	defer srv.Close()

	_, err := fetch(t, map[string]any{
		"url":  srv.URL,
		"auth": map[string]any{"type": "bearer", "token": "secret-token"},
	})
	require.NoError(t, err)
}

func TestHTTPFetch_BasicAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "alice", user)
		assert.Equal(t, "wonder", pass)
	}))
	defer srv.Close()

	_, err := fetch(t, map[string]any{
		"url":  srv.URL,
		"auth": map[string]any{"type": "basic", "username": "alice", "password": "wonder"},
	})
	require.NoError(t, err)
}

func TestHTTPFetch_NoFollowRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer srv.Close()

	res, err := fetch(t, map[string]any{
		"url":                  srv.URL,
		"follow_redirects":     false,
		"fail_on_error_status": false,
	})
	require.NoError(t, err)
	assert.Equal(t, 302, res.Extra["status_code"])
}

func TestHTTPFetch_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	defer srv.Close()

	_, err := fetch(t, map[string]any{
		"url":     srv.URL,
		"timeout": "50ms",
	})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeStepExecution, schema.CodeOf(err))
}

func TestHTTPFetch_DurationRecorded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	res, err := fetch(t, map[string]any{"url": srv.URL})
	require.NoError(t, err)

	_, ok := res.Extra["duration_ms"].(int64)
	assert.True(t, ok, "duration_ms should be int64")
}

// --- http.get / http.post ---

func TestHTTPGet_ForcesMethod(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		io.WriteString(w, "ok")
	}))
	defer srv.Close()

	s := NewHTTPGetStep(newHTTPTestConfig())
	res, err := s.Execute(context.Background(), StepInput{Params: map[string]any{
		"url":    srv.URL,
		"method": "DELETE", // Overridden by the convenience step.
	}})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Output)
}

func TestHTTPPost_ForcesMethod(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
	}))
	defer srv.Close()

	s := NewHTTPPostStep(newHTTPTestConfig())
	_, err := s.Execute(context.Background(), StepInput{Params: map[string]any{
		"url":  srv.URL,
		"body": map[string]any{"k": "v"},
	}})
	require.NoError(t, err)
	assert.Equal(t, "http.post", s.Name())
}

func TestHTTPGet_NilParams(t *testing.T) {
	s := NewHTTPGetStep(newHTTPTestConfig())
	_, err := s.Execute(context.Background(), StepInput{})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}
