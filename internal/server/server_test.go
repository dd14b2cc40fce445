package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bryan-buckman/threadlens/internal/classify"
	"github.com/bryan-buckman/threadlens/internal/database"
	"github.com/bryan-buckman/threadlens/internal/ingest"
	"github.com/bryan-buckman/threadlens/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type stubSource struct {
	items map[string][]model.RawItem
}

func (s *stubSource) FetchNew(_ context.Context, community string, _ int) ([]model.RawItem, error) {
	items, ok := s.items[community]
	if !ok {
		return nil, &model.Error{Op: "fetch", Kind: model.ErrSourceNotFound, Community: community}
	}
	return items, nil
}

type stubOracle struct{}

func (stubOracle) Name() string { return "stub/model" }

func (stubOracle) Complete(_ context.Context, prompt string) (string, error) {
	if strings.Contains(prompt, "Post Title: broken") {
		return "", &model.Error{Op: "complete", Kind: model.ErrOracleUnavailable, Err: errors.New("down")}
	}
	if strings.Contains(prompt, "pay") {
		return `{"explanation":"mentions pay","money-talk":true}`, nil
	}
	return `{"explanation":"nothing"}`, nil
}

func item(id, title string, score int) model.RawItem {
	body := "body of " + id
	author := "bob"
	return model.RawItem{
		ExternalURL: "https://redd.it/" + id,
		Title:       title,
		Body:        &body,
		Author:      &author,
		Score:       score,
		CreatedUTC:  float64(time.Now().Add(-time.Hour).Unix()),
	}
}

func newTestServer(t *testing.T, withClassifier bool) *Server {
	t.Helper()
	store, err := database.New(filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logger := zaptest.NewLogger(t)
	src := &stubSource{items: map[string][]model.RawItem{
		"golang": {
			item("g1", "how much do you pay for hosting", 5),
			item("g2", "generics question", 9),
			item("g3", "broken", 1),
		},
	}}
	ingestor := ingest.NewIngestor(src, store, ingest.IngestorOptions{}, logger)
	svc := ingest.NewService(ingest.NewGate(store, 24*time.Hour), ingestor, store, nil, logger)

	var cl *classify.Classifier
	if withClassifier {
		cache := classify.NewStoreCache(store, 5*time.Second)
		cl = classify.New(stubOracle{}, cache, classify.DefaultSchema(), nil, classify.Options{Workers: 2}, logger)
	}
	return New(svc, cl, nil, logger)
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t, false)

	rec := do(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["classifier"])

	rec = do(t, s, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "threadlens_http_requests_total")
}

func TestRecentPosts(t *testing.T) {
	s := newTestServer(t, false)

	rec := do(t, s, http.MethodGet, "/api/communities/Golang/posts", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode(t, rec)
	assert.Equal(t, "golang", out["community"])
	assert.EqualValues(t, 3, out["count"])
	posts := out["posts"].([]any)
	assert.Equal(t, "g2", posts[0].(map[string]any)["external_id"])

	rec = do(t, s, http.MethodGet, "/api/communities/nosuchplace/posts", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, decode(t, rec)["error"], "source not found")

	rec = do(t, s, http.MethodGet, "/api/communities", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	communities := decode(t, rec)["communities"].([]any)
	require.Len(t, communities, 1)
	assert.Equal(t, "golang", communities[0].(map[string]any)["name"])
}

func TestAddCommunityAndOPML(t *testing.T) {
	s := newTestServer(t, false)

	rec := do(t, s, http.MethodPost, "/api/communities", map[string]string{"name": "r/Ollama"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "r/ollama", decode(t, rec)["display_name"])

	rec = do(t, s, http.MethodPost, "/api/communities", map[string]string{"name": " "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("opml", "subs.opml")
	require.NoError(t, err)
	_, err = fw.Write([]byte(`<opml version="2.0"><body>
<outline text="r/golang" type="rss" xmlUrl="https://www.reddit.com/r/golang/new/.rss"/>
<outline text="blog" type="rss" xmlUrl="https://go.dev/blog/feed.atom"/>
</body></opml>`))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/import-opml", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 1, decode(t, rec)["imported"])

	rec = do(t, s, http.MethodGet, "/api/export-opml", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "https://www.reddit.com/r/golang/new/.rss")
	assert.Contains(t, rec.Body.String(), "https://www.reddit.com/r/ollama/new/.rss")
}

func TestUpdateMetrics(t *testing.T) {
	s := newTestServer(t, false)
	require.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/api/communities/golang/posts", nil).Code)

	rec := do(t, s, http.MethodPut, "/api/posts/g3/metrics", map[string]int{"score": 40, "comment_count": 7})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, s, http.MethodGet, "/api/posts/g3", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode(t, rec)
	assert.EqualValues(t, 40, out["score"])
	assert.EqualValues(t, 7, out["comment_count"])

	rec = do(t, s, http.MethodPut, "/api/posts/g3/metrics", map[string]int{"score": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/posts/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestClassifyRoutes(t *testing.T) {
	s := newTestServer(t, true)

	rec := do(t, s, http.MethodGet, "/api/categories", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["categories"], 4)

	rec = do(t, s, http.MethodPost, "/api/classify", map[string]string{"community": "golang"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode(t, rec)
	assert.EqualValues(t, 1, out["failed"])
	results := out["results"].([]any)
	require.Len(t, results, 3)

	buckets := out["buckets"].([]any)
	money := buckets[3].(map[string]any)
	assert.EqualValues(t, 1, money["count"])

	rec = do(t, s, http.MethodGet, "/api/communities/golang/categories", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stored := decode(t, rec)["buckets"].([]any)
	assert.EqualValues(t, 1, stored[3].(map[string]any)["count"])

	rec = do(t, s, http.MethodPost, "/api/classify", map[string]any{"external_ids": []string{"g1", "nope"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{"nope"}, decode(t, rec)["missing"])

	rec = do(t, s, http.MethodDelete, "/api/classifications", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodDelete, "/api/classifications?id=g1,g2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, decode(t, rec)["deleted"])

	rec = do(t, s, http.MethodGet, "/api/communities/golang/categories", nil)
	stored = decode(t, rec)["buckets"].([]any)
	assert.EqualValues(t, 0, stored[3].(map[string]any)["count"])
}

func TestClassifierNotConfigured(t *testing.T) {
	s := newTestServer(t, false)
	rec := do(t, s, http.MethodPost, "/api/classify", map[string]string{"community": "golang"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{database.ErrNotFound, http.StatusNotFound},
		{&model.Error{Kind: model.ErrSourceNotFound}, http.StatusNotFound},
		{&model.Error{Kind: model.ErrSourceRateLimited}, http.StatusTooManyRequests},
		{&model.Error{Kind: model.ErrSourceProtocol}, http.StatusBadGateway},
		{&model.Error{Kind: model.ErrOracleUnavailable}, http.StatusServiceUnavailable},
		{&model.Error{Kind: model.ErrSourceUnavailable, Err: context.DeadlineExceeded}, http.StatusServiceUnavailable},
		{&model.Error{Kind: model.ErrStoreWriteFailed}, http.StatusInternalServerError},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
