package search

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"application-lifecycle/internal/common/logger"
	"application-lifecycle/internal/models"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorded struct {
	method string
	path   string
	query  string
	body   []byte
}

type fakeES struct {
	mu       sync.Mutex
	requests []recorded
	respond  func(r *http.Request) (int, string)
}

func (f *fakeES) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.requests = append(f.requests, recorded{method: r.Method, path: r.URL.Path, query: r.URL.RawQuery, body: body})
	f.mu.Unlock()

	status, payload := http.StatusOK, `{}`
	if f.respond != nil {
		status, payload = f.respond(r)
	}
	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(payload))
}

func (f *fakeES) last() recorded {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func newIndexer(t *testing.T, f *fakeES) *Indexer {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	client, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: []string{srv.URL}})
	require.NoError(t, err)
	return NewIndexer(client, "applications-test", logger.NewTestLogger(t))
}

func sampleApp() *models.Application {
	submitted := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	return &models.Application{
		ID:              "app-1",
		ReferenceNumber: "SA-2026-ABCD1234",
		OwnerID:         "user-1",
		TierID:          "standard",
		Selections: []models.AddOnSelection{
			{AddOnID: "visa-prep", Quantity: 1, UnitPrice: decimal.RequireFromString("120.00")},
		},
		TotalAmount:   decimal.RequireFromString("719.00"),
		Currency:      "USD",
		Status:        models.StatusUnderReview,
		PaymentStatus: models.PaymentStatusPaid,
		SubmittedAt:   &submitted,
		Version:       4,
	}
}

func TestProject(t *testing.T) {
	f := &fakeES{respond: func(*http.Request) (int, string) {
		return http.StatusCreated, `{"result":"created"}`
	}}
	ix := newIndexer(t, f)

	require.NoError(t, ix.Project(context.Background(), sampleApp()))

	req := f.last()
	assert.Equal(t, http.MethodPut, req.method)
	assert.Equal(t, "/applications-test/_doc/app-1", req.path)
	assert.Contains(t, req.query, "version=4")
	assert.Contains(t, req.query, "version_type=external_gte")

	var doc Document
	require.NoError(t, json.Unmarshal(req.body, &doc))
	assert.Equal(t, "under_review", doc.Status)
	assert.Equal(t, "Under review", doc.StatusLabel)
	assert.Equal(t, []string{"visa-prep"}, doc.AddOnIDs)
	assert.InDelta(t, 719.0, doc.TotalAmount, 0.001)
}

func TestProject_StaleVersionIsNotAnError(t *testing.T) {
	f := &fakeES{respond: func(*http.Request) (int, string) {
		return http.StatusConflict, `{"error":{"type":"version_conflict_engine_exception"}}`
	}}
	assert.NoError(t, newIndexer(t, f).Project(context.Background(), sampleApp()))
}

func TestProject_ServerError(t *testing.T) {
	f := &fakeES{respond: func(*http.Request) (int, string) {
		return http.StatusBadRequest, `{"error":{"type":"mapper_parsing_exception"}}`
	}}
	err := newIndexer(t, f).Project(context.Background(), sampleApp())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mapper_parsing_exception")
}

func TestEnsureIndex(t *testing.T) {
	f := &fakeES{respond: func(r *http.Request) (int, string) {
		if r.Method == http.MethodHead {
			return http.StatusNotFound, ``
		}
		return http.StatusOK, `{"acknowledged":true}`
	}}
	ix := newIndexer(t, f)
	require.NoError(t, ix.EnsureIndex(context.Background()))

	create := f.last()
	assert.Equal(t, http.MethodPut, create.method)
	assert.Equal(t, "/applications-test", create.path)
	assert.Contains(t, string(create.body), `"scaled_float"`)
}

func TestEnsureIndex_Exists(t *testing.T) {
	f := &fakeES{}
	require.NoError(t, newIndexer(t, f).EnsureIndex(context.Background()))
	assert.Len(t, f.requests, 1)
}

func TestSearch(t *testing.T) {
	f := &fakeES{respond: func(*http.Request) (int, string) {
		return http.StatusOK, `{"hits":{"total":{"value":1},"hits":[{"_source":{"id":"app-1","status":"under_review","referenceNumber":"SA-2026-ABCD1234"}}]}}`
	}}
	ix := newIndexer(t, f)

	res, err := ix.Search(context.Background(), Query{Status: models.StatusUnderReview, Text: "ABCD", Size: 500})
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Total)
	require.Len(t, res.Applications, 1)
	assert.Equal(t, "app-1", res.Applications[0].ID)

	req := f.last()
	assert.Equal(t, "/applications-test/_search", req.path)
	assert.Contains(t, req.query, "size=100")

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(req.body, &body))
	boolQuery := body["query"].(map[string]interface{})["bool"].(map[string]interface{})
	assert.Len(t, boolQuery["must"], 1)
	assert.Len(t, boolQuery["filter"], 1)
}

func TestBuildQuery_MatchAll(t *testing.T) {
	q := buildQuery(Query{})
	_, ok := q["query"].(map[string]interface{})["match_all"]
	assert.True(t, ok)
}
