package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnswift/contentbridge/internal/files"
	"github.com/johnswift/contentbridge/internal/jobs"
	"github.com/johnswift/contentbridge/internal/migrate"
	"github.com/johnswift/contentbridge/internal/process"
	"github.com/johnswift/contentbridge/internal/repo"
	"github.com/johnswift/contentbridge/internal/transfer"
)

const seed = `[
	{"path": "/content", "primaryType": "content:folder"},
	{"path": "/content/documents", "primaryType": "content:folder"},
	{"path": "/content/documents/news", "primaryType": "content:handle"},
	{"path": "/content/documents/news/news", "primaryType": "ns:news", "properties": {"state": "published", "title": "Grüße"}}
]`

type fixture struct {
	srv   *httptest.Server
	store *repo.MemoryStore
	fm    *files.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := repo.NewMemoryStore()
	require.NoError(t, store.LoadSeed(context.Background(), strings.NewReader(seed)))

	fm, err := files.New(files.Options{StorageDir: t.TempDir(), Getenv: func(string) string { return "" }})
	require.NoError(t, err)
	tracker := jobs.NewTracker(nil, nil)
	svc := transfer.NewService(store, nil, migrate.WithSleeper(func(context.Context, time.Duration) error { return nil }))
	launcher := process.NewLauncher(tracker, fm, svc, migrate.DefaultParameters(), nil)

	srv := httptest.NewServer(New(launcher, Options{ForwardedHeaders: []string{"X-Forwarded-For"}}).Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = tracker.Close()
		fm.Shutdown()
	})
	return &fixture{srv: srv, store: store, fm: fm}
}

func (f *fixture) pollDone(t *testing.T, statusURL string) StatusResponse {
	t.Helper()
	var st StatusResponse
	require.Eventually(t, func() bool {
		resp, err := http.Get(f.srv.URL + statusURL)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK || json.NewDecoder(resp.Body).Decode(&st) != nil {
			return false
		}
		return st.Status == jobs.StateSucceeded || st.Status == jobs.StateFailed
	}, 5*time.Second, 10*time.Millisecond)
	return st
}

func decodeSubmit(t *testing.T, resp *http.Response) SubmitResponse {
	t.Helper()
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var sub SubmitResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sub))
	require.NotEmpty(t, sub.ProcessID)
	assert.Equal(t, "/api/v1/processes/"+sub.ProcessID, sub.StatusURL)
	return sub
}

const exportBody = `{"documents": {"paths": ["/content/documents/news"]}, "documentTags": ["migrated"]}`

func (f *fixture) export(t *testing.T) (StatusResponse, []byte) {
	t.Helper()
	resp, err := http.Post(f.srv.URL+"/api/v1/exports", "application/json", strings.NewReader(exportBody))
	require.NoError(t, err)
	sub := decodeSubmit(t, resp)

	st := f.pollDone(t, sub.StatusURL)
	require.Equal(t, jobs.StateSucceeded, st.Status, st.Message)

	dl, err := http.Get(f.srv.URL + st.DownloadURL)
	require.NoError(t, err)
	defer dl.Body.Close()
	require.Equal(t, http.StatusOK, dl.StatusCode)
	assert.Equal(t, "application/zip", dl.Header.Get("Content-Type"))
	assert.Contains(t, dl.Header.Get("Content-Disposition"), "attachment")
	data, err := io.ReadAll(dl.Body)
	require.NoError(t, err)
	return st, data
}

func TestExportLifecycle(t *testing.T) {
	f := newFixture(t)
	st, data := f.export(t)

	assert.Equal(t, 1.0, st.Progress)
	assert.NotNil(t, st.CompletionTime)
	assert.Equal(t, "/api/v1/processes/"+st.ProcessID+"/download", st.DownloadURL)
	assert.Empty(t, st.ResultsURL)
	require.NotNil(t, st.Result)
	assert.Equal(t, 1, st.Result.SucceededDocumentCount)
	assert.Equal(t, "PK", string(data[:2]))
}

func TestImportLifecycle(t *testing.T) {
	f := newFixture(t)
	_, pkg := f.export(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("package", "export.zip")
	require.NoError(t, err)
	_, err = part.Write(pkg)
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("parameters", `{"publishOnImport": "live"}`))
	require.NoError(t, mw.Close())

	resp, err := http.Post(f.srv.URL+"/api/v1/imports", mw.FormDataContentType(), &body)
	require.NoError(t, err)
	sub := decodeSubmit(t, resp)

	st := f.pollDone(t, sub.StatusURL)
	require.Equal(t, jobs.StateSucceeded, st.Status, st.Message)
	assert.Empty(t, st.DownloadURL)
	assert.Equal(t, sub.StatusURL+"/results", st.ResultsURL)

	res, err := http.Get(f.srv.URL + st.ResultsURL)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	var result migrate.Result
	require.NoError(t, json.NewDecoder(res.Body).Decode(&result))
	assert.Equal(t, 1, result.SucceededDocumentCount)

	n, err := f.store.GetNode(context.Background(), "/content/documents/news/news")
	require.NoError(t, err)
	assert.Equal(t, "published", n.Properties[repo.PropState])

	entries, err := os.ReadDir(f.fm.ImportsDir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestImportRejectsBadUploads(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Post(f.srv.URL+"/api/v1/imports", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("package", "p.zip")
	require.NoError(t, err)
	_, _ = part.Write([]byte("PK"))
	require.NoError(t, mw.WriteField("parameters", `{"publishOnImport": "sometimes"}`))
	require.NoError(t, mw.Close())
	resp, err = http.Post(f.srv.URL+"/api/v1/imports", mw.FormDataContentType(), &body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	entries, err := os.ReadDir(f.fm.ImportsDir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestExportRejectsBadParameters(t *testing.T) {
	f := newFixture(t)
	for _, body := range []string{`{"batchSize": "ten"}`, `{"publishOnImport": "sometimes"}`} {
		resp, err := http.Post(f.srv.URL+"/api/v1/exports", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
	}
}

func TestRequestParametersDoNotLeakIntoDefaults(t *testing.T) {
	defaults := migrate.Parameters{
		ThrottleMillis:       migrate.Throttle(10),
		DocbasePropertyNames: []string{"link", "other"},
	}.WithDefaults()
	launcher := process.NewLauncher(nil, nil, nil, defaults, nil)
	s := New(launcher, Options{})

	first, err := s.decodeParams(strings.NewReader(`{"throttle": 9999, "docbasePropertyNames": ["hacked"]}`))
	require.NoError(t, err)
	second, err := s.decodeParams(strings.NewReader(`{"throttle": 1}`))
	require.NoError(t, err)

	assert.Equal(t, 9999*time.Millisecond, first.EffectiveThrottle())
	assert.Equal(t, []string{"hacked"}, first.DocbasePropertyNames)
	assert.Equal(t, time.Millisecond, second.EffectiveThrottle())
	assert.Equal(t, []string{"link", "other"}, second.DocbasePropertyNames)

	got := launcher.Defaults()
	assert.Equal(t, 10*time.Millisecond, got.EffectiveThrottle())
	assert.Equal(t, []string{"link", "other"}, got.DocbasePropertyNames)
}

func TestUnknownProcess(t *testing.T) {
	f := newFixture(t)
	for _, tc := range []struct {
		method, path string
	}{
		{http.MethodGet, "/api/v1/processes/nope"},
		{http.MethodGet, "/api/v1/processes/nope/download"},
		{http.MethodGet, "/api/v1/processes/nope/results"},
		{http.MethodDelete, "/api/v1/processes/nope"},
	} {
		req, err := http.NewRequest(tc.method, f.srv.URL+tc.path, nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, tc.path)
	}
}

func TestCancelFinishedProcess(t *testing.T) {
	f := newFixture(t)
	st, _ := f.export(t)

	req, err := http.NewRequest(http.MethodDelete, f.srv.URL+"/api/v1/processes/"+st.ProcessID, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestDownloadExpiredArtifact(t *testing.T) {
	f := newFixture(t)
	st, _ := f.export(t)

	entries, err := os.ReadDir(f.fm.ExportsDir())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	old := time.Now().Add(-48 * time.Hour)
	path := f.fm.ExportsDir() + "/" + entries[0].Name()
	require.NoError(t, os.Chtimes(path, old, old))

	resp, err := http.Get(f.srv.URL + st.DownloadURL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusGone, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var h HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&h))
	assert.Equal(t, "ok", h.Status)
}

func TestClientAddress(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		names   []string
		want    string
	}{
		{"remote addr", nil, nil, "10.0.0.1"},
		{"header ignored when not configured", map[string]string{"X-Forwarded-For": "1.2.3.4"}, nil, "10.0.0.1"},
		{"first hop", map[string]string{"X-Forwarded-For": "1.2.3.4, 5.6.7.8"}, []string{"X-Forwarded-For"}, "1.2.3.4"},
		{"order of names", map[string]string{"X-Real-IP": "9.9.9.9", "X-Forwarded-For": "1.2.3.4"}, []string{"X-Real-IP", "X-Forwarded-For"}, "9.9.9.9"},
		{"empty header skipped", map[string]string{"X-Forwarded-For": " , 1.2.3.4"}, []string{"X-Forwarded-For"}, "10.0.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = "10.0.0.1:5555"
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, ClientAddress(r, tt.names))
		})
	}
}
