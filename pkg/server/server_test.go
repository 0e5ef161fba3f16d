package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/jeffreymariaraj/BioOF/pkg/apperror"
	"github.com/jeffreymariaraj/BioOF/pkg/audit"
	"github.com/jeffreymariaraj/BioOF/pkg/auth"
	"github.com/jeffreymariaraj/BioOF/pkg/cache"
	"github.com/jeffreymariaraj/BioOF/pkg/catalog"
	"github.com/jeffreymariaraj/BioOF/pkg/docstore"
	"github.com/jeffreymariaraj/BioOF/pkg/hybrid"
	"github.com/jeffreymariaraj/BioOF/pkg/logging"
	"github.com/jeffreymariaraj/BioOF/pkg/metrics"
	"github.com/jeffreymariaraj/BioOF/pkg/model"
)

const adminPassword = "helix-admin"

type testEnv struct {
	srv   *Server
	svc   *hybrid.Service
	cat   *catalog.Catalog
	docs  *docstore.Store
	trail *bytes.Buffer
	reg   *metrics.Registry
	pid   int64
	exps  []int64
}

// =============================================================================
// Test Helpers
// =============================================================================

func setupTestServer(t *testing.T, withAuth bool) *testEnv {
	t.Helper()
	ctx := context.Background()

	cat, err := catalog.Open(ctx, catalog.Options{
		DSN:    filepath.Join(t.TempDir(), "catalog.db"),
		Logger: logging.Discard(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cat.Close() })

	docs, err := docstore.Open(docstore.Options{InMemory: true, BatchSize: 100, Logger: logging.Discard()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = docs.Close() })

	reg := metrics.New()
	svc := hybrid.New(cat, docs, cache.NewMemoryCache(100, time.Minute), nil, hybrid.Options{
		Logger:  logging.Discard(),
		Metrics: reg,
	})

	var guard *auth.Guard
	if withAuth {
		hash, err := auth.HashPassword(adminPassword, bcrypt.MinCost)
		require.NoError(t, err)
		guard, err = auth.NewGuard(auth.Config{User: "admin", PasswordHash: hash, MaxFailedLogins: 3}, nil)
		require.NoError(t, err)
	}

	trail := &bytes.Buffer{}
	srv, err := New(svc, nil, Options{
		Guard:   guard,
		Audit:   audit.NewLoggerWithWriter(trail),
		Metrics: reg,
		Logger:  logging.Discard(),
		Catalog: cat,
		Docs:    docs,
	})
	require.NoError(t, err)

	pid, err := cat.CreateProject(ctx, model.Project{Name: "Atlas", Source: "test"})
	require.NoError(t, err)
	var exps []int64
	for _, name := range []string{"RNA-seq A", "RNA-seq B"} {
		id, err := cat.CreateExperiment(ctx, model.Experiment{ProjectID: pid, Name: name})
		require.NoError(t, err)
		exps = append(exps, id)
	}
	return &testEnv{srv: srv, svc: svc, cat: cat, docs: docs, trail: trail, reg: reg, pid: pid, exps: exps}
}

func (e *testEnv) gene(t *testing.T, id string, score, gc float64) {
	t.Helper()
	doc := &model.GeneDocument{
		ID:              id,
		ExperimentID:    e.exps[0],
		GeneSymbol:      "SYM-" + id,
		SequenceSnippet: "ACGTACGGTCAGTTAGC",
		ExpressionScore: score,
		GCContent:       gc,
		Metadata:        map[string]any{model.MetaChromosome: "chr2"},
	}
	_, err := e.svc.IngestGene(context.Background(), doc, 900)
	require.NoError(t, err)
}

func (e *testEnv) do(t *testing.T, method, path string, body any, basicAuth ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if len(basicAuth) == 2 {
		req.SetBasicAuth(basicAuth[0], basicAuth[1])
	}
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// =============================================================================
// Tests
// =============================================================================

func TestNewRequiresService(t *testing.T) {
	_, err := New(nil, nil, Options{})
	assert.Error(t, err)
}

func TestRootAndHealth(t *testing.T) {
	env := setupTestServer(t, false)
	env.gene(t, "g1", 80, 40)
	_, err := env.svc.RebuildIndex(context.Background())
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	h := decode[HealthReport](t, rec)
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, "ok", h.Catalog)
	assert.Equal(t, 1, h.Documents)
	assert.Equal(t, 1, h.IndexSize)

	rec = env.do(t, http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthDegradedWhenCatalogDown(t *testing.T) {
	env := setupTestServer(t, false)
	require.NoError(t, env.cat.Close())

	rec := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	h := decode[HealthReport](t, rec)
	assert.Equal(t, "degraded", h.Status)
	assert.Equal(t, "unreachable", h.Catalog)
}

func TestHybridQueryEndpoint(t *testing.T) {
	env := setupTestServer(t, false)
	for i, s := range []float64{50, 72, 81, 69, 95} {
		env.gene(t, fmt.Sprintf("g%d", i), s, 45)
	}

	rec := env.do(t, http.MethodGet, fmt.Sprintf("/api/hybrid-query?project_id=%d&min_score=70", env.pid), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body struct {
		Project struct {
			Name string `json:"name"`
		} `json:"project_metadata"`
		Genes   []map[string]any `json:"gene_data"`
		Details struct {
			Threshold  float64 `json:"threshold"`
			MatchCount int     `json:"match_count"`
		} `json:"query_details"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Atlas", body.Project.Name)
	assert.Len(t, body.Genes, 3)
	assert.Equal(t, 3, body.Details.MatchCount)
	assert.Equal(t, "RNA-seq A", body.Genes[0]["experiment_name"])

	tests := []struct {
		name   string
		query  string
		status int
		kind   string
	}{
		{"missing project", "", http.StatusBadRequest, "invalid_argument"},
		{"non numeric project", "project_id=abc", http.StatusBadRequest, "invalid_argument"},
		{"bad score", fmt.Sprintf("project_id=%d&min_score=high", env.pid), http.StatusBadRequest, "invalid_argument"},
		{"negative score", fmt.Sprintf("project_id=%d&min_score=-1", env.pid), http.StatusBadRequest, "invalid_argument"},
		{"unknown project", "project_id=9999&min_score=1", http.StatusNotFound, "not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodGet, "/api/hybrid-query?"+tt.query, nil)
			assert.Equal(t, tt.status, rec.Code)
			eb := decode[errorBody](t, rec)
			assert.Equal(t, tt.kind, eb.Error)
			assert.False(t, eb.Retryable)
			assert.NotEmpty(t, eb.RequestID)
		})
	}
}

func TestGetGeneServedFrom(t *testing.T) {
	env := setupTestServer(t, false)
	env.gene(t, "brca1", 88, 52)

	rec := env.do(t, http.MethodGet, "/api/genes/brca1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, hybrid.ServedFromStore, rec.Header().Get("X-Served-From"))
	first := decode[map[string]any](t, rec)
	assert.Equal(t, "store", first["served_from"])

	rec = env.do(t, http.MethodGet, "/api/genes/brca1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	second := decode[map[string]any](t, rec)
	assert.Equal(t, "cache", second["served_from"])
	assert.Equal(t, first["gene_document"], second["gene_document"])

	rec = env.do(t, http.MethodGet, "/api/genes/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "missing", decode[errorBody](t, rec).ID)
}

func TestRecommendEndpoint(t *testing.T) {
	env := setupTestServer(t, false)
	for i := 0; i < 12; i++ {
		env.gene(t, fmt.Sprintf("g%02d", i), float64(10+i*7), float64(25+i*4))
	}
	_, err := env.svc.RebuildIndex(context.Background())
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/api/genes/recommend/g03?k=4", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[hybrid.Recommendations](t, rec)
	assert.Len(t, res.Recommendations, 4)
	for i, r := range res.Recommendations {
		assert.NotEqual(t, "g03", r.Gene.ID)
		if i > 0 {
			assert.LessOrEqual(t, r.SimilarityScore, res.Recommendations[i-1].SimilarityScore)
		}
	}

	rec = env.do(t, http.MethodGet, "/api/genes/recommend/g03", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, decode[hybrid.Recommendations](t, rec).Recommendations, env.svc.Index().DefaultK())

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/genes/recommend/g03?k=0", nil).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/genes/recommend/g03?k=x", nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/genes/recommend/zzz", nil).Code)
}

func TestSchemaEvolutionEndpoints(t *testing.T) {
	env := setupTestServer(t, false)
	for i := 0; i < 5; i++ {
		env.gene(t, fmt.Sprintf("g%d", i), 60, 40)
	}

	req := map[string]string{"attribute_name": "status", "default_value": "Pending", "data_type": "string"}
	rec := env.do(t, http.MethodPost, "/api/schema/evolve", req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[hybrid.EvolutionResult](t, rec)
	assert.Equal(t, 5, res.DocumentsUpdated)
	assert.Equal(t, hybrid.StageDone, res.Stage)

	rec = env.do(t, http.MethodPost, "/api/schema/evolve", req)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "conflict", decode[errorBody](t, rec).Error)

	rec = env.do(t, http.MethodPost, "/api/schema/evolve/status/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Zero(t, decode[hybrid.EvolutionResult](t, rec).DocumentsUpdated)

	rec = env.do(t, http.MethodPost, "/api/schema/evolve/unknown/resume", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/schema/evolve", `{"attribute_name": "bad name!"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, http.MethodPost, "/api/schema/evolve", `{"attribute_name": `)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, http.MethodPost, "/api/schema/evolve", `{"attribute": "typo"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "unknown fields are rejected")

	rec = env.do(t, http.MethodGet, "/api/schema/active", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var active struct {
		Schema []model.SchemaAttribute `json:"active_schema"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &active))
	require.Len(t, active.Schema, 2)
	assert.Equal(t, "status", active.Schema[0].Name)
	assert.Equal(t, "validated", active.Schema[1].Name)

	events, _, err := audit.Read(env.trail, audit.Query{Types: []audit.EventType{audit.EventSchemaChange}})
	require.NoError(t, err)
	require.Len(t, events, 3, "malformed bodies are rejected before the audit point")
	assert.True(t, events[0].Success)
	assert.Equal(t, "status", events[0].ResourceID)
	assert.Equal(t, "5", events[0].Metadata["documents_updated"])
	assert.False(t, events[1].Success)
}

func TestIngestEndpoint(t *testing.T) {
	env := setupTestServer(t, false)
	body := fmt.Sprintf(`{"experiment_id": %d, "gene_symbol": "TP53", "sequence_snippet": "ACGTGGCA",
		"expression_score": 77.5, "gc_content": 51, "metadata": {"chromosome": "chr17"}, "sequence_length": 1200}`, env.exps[1])

	rec := env.do(t, http.MethodPost, "/api/genes", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	doc := decode[model.GeneDocument](t, rec)
	assert.NotEmpty(t, doc.ID)
	assert.Equal(t, "/api/genes/"+doc.ID, rec.Header().Get("Location"))

	stats, err := env.svc.StatsSQL(context.Background())
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, "chr17", stats[0].Chromosome)
	assert.Equal(t, 1200.0, stats[0].AvgLength)

	rec = env.do(t, http.MethodPost, "/api/genes", `{"gene_symbol": "NOEXPR", "gc_content": 40}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, http.MethodPost, "/api/genes", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatsEndpoints(t *testing.T) {
	env := setupTestServer(t, false)
	env.gene(t, "a", 10, 15)
	env.gene(t, "b", 20, 35)
	env.gene(t, "c", 30, 38)

	rec := env.do(t, http.MethodGet, "/api/stats/sql", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sql := decode[[]map[string]any](t, rec)
	require.Len(t, sql, 1)
	assert.Equal(t, "chr2", sql[0]["group_key"])
	assert.EqualValues(t, 3, sql[0]["count"])

	rec = env.do(t, http.MethodGet, "/api/stats/nosql", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	buckets := decode[[]map[string]any](t, rec)
	require.Len(t, buckets, 2)
	assert.Equal(t, "10-20%", buckets[0]["bucket_label"])
	assert.Equal(t, "30-40%", buckets[1]["bucket_label"])
	assert.EqualValues(t, 2, buckets[1]["count"])

	rec = env.do(t, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	both := decode[map[string]json.RawMessage](t, rec)
	assert.Contains(t, both, "sql_stats")
	assert.Contains(t, both, "nosql_stats")
}

func TestEmptyStatsAreArrays(t *testing.T) {
	env := setupTestServer(t, false)
	rec := env.do(t, http.MethodGet, "/api/stats/sql", nil)
	assert.JSONEq(t, `[]`, rec.Body.String())
	rec = env.do(t, http.MethodGet, "/api/stats/nosql", nil)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestIndexEndpoints(t *testing.T) {
	env := setupTestServer(t, false)
	env.gene(t, "a", 10, 20)
	env.gene(t, "b", 90, 70)

	rec := env.do(t, http.MethodPost, "/api/index/rebuild", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	st := decode[hybrid.IndexStatus](t, rec)
	assert.Equal(t, 2, st.Genes)
	assert.Equal(t, "rebuild", st.Source)

	rec = env.do(t, http.MethodGet, "/api/index", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[map[string]any](t, rec)
	assert.EqualValues(t, 2, status["genes"])
	assert.EqualValues(t, st.Generation, status["generation"])
}

func TestAdminRoutesRequireCredentials(t *testing.T) {
	env := setupTestServer(t, true)
	req := map[string]string{"attribute_name": "assay", "default_value": "bulk", "data_type": "string"}

	rec := env.do(t, http.MethodPost, "/api/schema/evolve", req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Basic")

	rec = env.do(t, http.MethodPost, "/api/schema/evolve", req, "admin", "wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/schema/evolve", req, "admin", adminPassword)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// reads stay open
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/schema/active", nil).Code)

	failed, _, err := audit.Read(bytes.NewReader(env.trail.Bytes()), audit.Query{Types: []audit.EventType{audit.EventLoginFailed}})
	require.NoError(t, err)
	assert.Len(t, failed, 2)
}

func TestAdminLockout(t *testing.T) {
	env := setupTestServer(t, true)
	for i := 0; i < 3; i++ {
		rec := env.do(t, http.MethodPost, "/api/index/rebuild", nil, "admin", "guess")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	}
	rec := env.do(t, http.MethodPost, "/api/index/rebuild", nil, "admin", adminPassword)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestRetryableErrorHeaders(t *testing.T) {
	env := setupTestServer(t, false)
	require.NoError(t, env.docs.Close())

	rec := env.do(t, http.MethodGet, "/api/stats/nosql", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, rec.Body.String())
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))
	eb := decode[errorBody](t, rec)
	assert.True(t, eb.Retryable)
	assert.Equal(t, "unavailable", eb.Error)
}

func TestStatusMapping(t *testing.T) {
	for kind, want := range map[apperror.Kind]int{
		apperror.KindInvalidArgument: http.StatusBadRequest,
		apperror.KindNotFound:        http.StatusNotFound,
		apperror.KindConflict:        http.StatusConflict,
		apperror.KindTimeout:         http.StatusGatewayTimeout,
		apperror.KindUnavailable:     http.StatusServiceUnavailable,
		apperror.KindInternal:        http.StatusInternalServerError,
	} {
		assert.Equal(t, want, statusFor(kind), kind.String())
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	env := setupTestServer(t, false)
	h := env.srv.recoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal server error", decode[errorBody](t, rec).Message)
}

func TestCORSPreflight(t *testing.T) {
	env := setupTestServer(t, false)
	req := httptest.NewRequest(http.MethodOptions, "/api/genes/x", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRequestIDPropagates(t *testing.T) {
	env := setupTestServer(t, false)
	req := httptest.NewRequest(http.MethodGet, "/api/genes/none", nil)
	req.Header.Set("X-Request-ID", "trace-123")
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "trace-123", rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "trace-123", decode[errorBody](t, rec).RequestID)
}

func TestMetricsEndpoint(t *testing.T) {
	env := setupTestServer(t, false)
	env.gene(t, "a", 10, 20)
	env.do(t, http.MethodGet, "/api/genes/a", nil)
	env.do(t, http.MethodGet, "/api/genes/a", nil)

	rec := env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `bioof_http_requests_total{code="200",route="/api/genes/{id}"} 2`)
	assert.Contains(t, body, "bioof_cache_hits_total 1")
}

func TestStartStop(t *testing.T) {
	env := setupTestServer(t, false)
	cfg := DefaultConfig()
	cfg.Address = "127.0.0.1"
	cfg.Port = 0
	srv, err := New(env.svc, cfg, Options{Logger: logging.Discard()})
	require.NoError(t, err)

	require.NoError(t, srv.Start())
	resp, err := http.Get("http://" + srv.Addr() + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))
	assert.NoError(t, srv.Stop(ctx))
	assert.ErrorIs(t, srv.Start(), ErrServerClosed)
}
