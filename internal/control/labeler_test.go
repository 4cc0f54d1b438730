package control

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/reviewradar/internal/core/config"
	"github.com/vietddude/reviewradar/internal/core/domain"
	"github.com/vietddude/reviewradar/internal/infra/storage"
	"github.com/vietddude/reviewradar/internal/infra/storage/memory"
)

const goodLabel = `{"aspects": {"price": {"mentioned": true, "sentiment": "positive", "confidence": 0.92, "snippet": "cheap"}}, "overall_sentiment": "positive"}`

// newLLM serves chat completions; reviews containing "unsure" get a low-confidence label.
func newLLM(t *testing.T, calls *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		var req struct {
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		content := goodLabel
		if strings.Contains(req.Messages[len(req.Messages)-1].Content, "unsure") {
			content = strings.Replace(goodLabel, "0.92", "0.40", 1)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"model":  "gpt-4o-mini",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": content},
			}},
			"usage": map[string]any{"prompt_tokens": 400, "completion_tokens": 50, "total_tokens": 450},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, llmURL string) *config.AppConfig {
	t.Helper()
	cfg, err := config.Parse([]byte(`
storage:
  client: memory
providers:
  - name: primary
    type: openai
    api_key: test-key
    model: gpt-4o-mini
    base_url: ` + llmURL + `/v1
    pricing:
      input_per_million: 0.15
      output_per_million: 0.60
      chars_per_token: 4
      prompt_overhead_tokens: 400
      expected_output_tokens: 100
labeling:
  daily_budget_usd: 1
  backoff_base_ms: 1
  backoff_max_ms: 5
  batch_size: 2
`))
	require.NoError(t, err)
	cfg.Server.Port = 0
	return cfg
}

func seed(store *memory.MemoryStorage) {
	store.PutBatch(&domain.Batch{ID: 42, Aspects: []string{"price"}})
	store.PutReview(&domain.Review{ID: 1, BatchID: 42, Text: "cheap and good"})
	store.PutReview(&domain.Review{ID: 2, BatchID: 42, Text: "unsure about it"})
	store.PutReview(&domain.Review{ID: 3, BatchID: 42, Text: "great value"})
}

func TestLabeler_RunBatches(t *testing.T) {
	var calls int32
	srv := newLLM(t, &calls)
	store := memory.NewMemoryStorage()
	seed(store)

	l, err := NewLabeler(context.Background(), testConfig(t, srv.URL), Options{Memory: store})
	require.NoError(t, err)
	defer l.Stop(context.Background())

	sums, err := l.RunBatches(context.Background(), []int64{42})
	require.NoError(t, err)
	require.Len(t, sums, 1)

	sum := sums[0]
	assert.Equal(t, 2, sum.SuccessCount)
	assert.Equal(t, 1, sum.HumanQueueCount)
	assert.Len(t, sum.Pages, 2)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))

	counts, rate, err := l.Progress(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[domain.LabelStatusLabeled])
	assert.Equal(t, 1, counts[domain.LabelStatusNeedsHuman])
	assert.InDelta(t, 2.0/3.0, rate, 1e-9)

	n, err := l.HumanQueue().Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	label, err := l.Labels().Latest(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "primary", label.Metadata.Provider)
	assert.Equal(t, 400, label.Metadata.InputTokens)

	usage := l.Usage()
	assert.Equal(t, 3, usage.Calls)
	assert.InDelta(t, 3*(400*0.15+50*0.60)/1e6, usage.SpentToday, 1e-12)

	keys := l.Registry().Instances()
	assert.Contains(t, keys, storage.Key{DataType: storage.DataTypeReview, ClientType: storage.ClientTypeMemory})
}

func TestLabeler_ServesAdminAPI(t *testing.T) {
	var calls int32
	srv := newLLM(t, &calls)
	store := memory.NewMemoryStorage()
	seed(store)

	l, err := NewLabeler(context.Background(), testConfig(t, srv.URL), Options{Memory: store})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	l.Server().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/batches/42/process?limit=1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var res struct {
		SuccessCount int `json:"success_count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, 1, res.SuccessCount)

	rec = httptest.NewRecorder()
	l.Server().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, l.Start(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, l.Stop(ctx))
}

func TestNewLabeler_ConfigurationErrors(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Providers[0].Type = "unknown"
	_, err := NewLabeler(context.Background(), cfg, Options{})
	assert.ErrorIs(t, err, domain.ErrConfiguration)

	cfg = testConfig(t, "http://127.0.0.1:1")
	cfg.Storage.Client = storage.ClientTypeSQLite
	_, err = NewLabeler(context.Background(), cfg, Options{})
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}
