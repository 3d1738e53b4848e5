package session

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRouter(t *testing.T) (http.Handler, *Engine, string, string) {
	t.Helper()
	e, b := setupEngine(t)
	r := chi.NewRouter()
	RegisterRoutes(r, e)
	return r, e, b.Yes.ID, b.No.ID
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestTroubleshootFlowHTTP(t *testing.T) {
	h, _, yes, _ := setupRouter(t)

	rec := do(t, h, http.MethodPost, "/troubleshoot/start", `{"category":"brush","tech_identifier":"t-1"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var start StartResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&start))
	assert.Len(t, start.Options, 2)

	rec = do(t, h, http.MethodGet, "/troubleshoot/"+start.SessionID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var state State
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&state))
	assert.False(t, state.IsConclusion)

	rec = do(t, h, http.MethodPost, "/troubleshoot/"+start.SessionID+"/answer", `{"connection_id":"`+yes+`"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&state))
	assert.True(t, state.IsConclusion)
	assert.Equal(t, "Replace brush", *state.ConclusionText)

	rec = do(t, h, http.MethodPost, "/troubleshoot/"+start.SessionID+"/answer", `{"connection_id":"`+yes+`"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/troubleshoot/"+start.SessionID+"/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var hist History
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&hist))
	assert.True(t, hist.Completed)
	assert.Len(t, hist.Steps, 1)
}

func TestStartWithoutBody(t *testing.T) {
	h, _, _, _ := setupRouter(t)

	rec := do(t, h, http.MethodPost, "/troubleshoot/start", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var start StartResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&start))
	assert.Equal(t, "start", start.Node.Label())
}

func TestTroubleshootErrorsHTTP(t *testing.T) {
	h, _, _, _ := setupRouter(t)

	tests := []struct {
		name     string
		method   string
		path     string
		body     string
		wantCode int
		wantType string
	}{
		{"unknown category", http.MethodPost, "/troubleshoot/start", `{"category":"toaster"}`, http.StatusNotFound, "not_found"},
		{"malformed start", http.MethodPost, "/troubleshoot/start", `{"category":`, http.StatusBadRequest, "bad_request"},
		{"unknown session", http.MethodGet, "/troubleshoot/nope", "", http.StatusNotFound, "not_found"},
		{"missing connection id", http.MethodPost, "/troubleshoot/nope/answer", `{}`, http.StatusUnprocessableEntity, "validation"},
		{"unknown history", http.MethodGet, "/troubleshoot/nope/history", "", http.StatusNotFound, "not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.wantCode, rec.Code)

			var body struct {
				Error struct {
					Type string `json:"type"`
				} `json:"error"`
			}
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, tt.wantType, body.Error.Type)
		})
	}
}

func TestStartRecordsClientIP(t *testing.T) {
	h, e, _, _ := setupRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/troubleshoot/start", strings.NewReader(`{"category":"brush"}`))
	req.RemoteAddr = "192.0.2.10:51234"
	req.Header.Set("User-Agent", "fixflow-test")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var start StartResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&start))
	sess, err := e.store.Get(req.Context(), start.SessionID)
	require.NoError(t, err)
	require.NotNil(t, sess.IPHash)
	assert.Equal(t, *hashIP("192.0.2.10"), *sess.IPHash)
	assert.Equal(t, "fixflow-test", *sess.UserAgent)
}
