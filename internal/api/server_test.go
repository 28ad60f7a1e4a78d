package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opsintel/intelhub/internal/analyzer"
	"github.com/opsintel/intelhub/internal/clock/system"
	"github.com/opsintel/intelhub/internal/config"
	"github.com/opsintel/intelhub/internal/dispatcher"
	"github.com/opsintel/intelhub/internal/id/uuid"
	"github.com/opsintel/intelhub/internal/intel"
	"github.com/opsintel/intelhub/internal/keypool"
	"github.com/opsintel/intelhub/internal/policy"
	queuememory "github.com/opsintel/intelhub/internal/queue/memory"
	storememory "github.com/opsintel/intelhub/internal/storage/memory"
	"github.com/opsintel/intelhub/internal/worker"
)

type stubAnalyzer struct {
	score float64
}

func (a stubAnalyzer) Analyze(_ context.Context, item intel.RawItem) (intel.Verdict, error) {
	return intel.Verdict{
		RawItemID:       item.ID,
		EventTitle:      "event: " + item.Title,
		EventBrief:      "brief",
		Ratings:         []intel.Rating{{Class: "情报价值", Score: a.score}},
		Entities:        intel.Entities{Locations: []string{"Rotterdam"}},
		ServiceIdentity: "primary/test-model",
	}, nil
}

type testEnv struct {
	srv     *httptest.Server
	items   *storememory.ItemStore
	archive *storememory.ArchiveStore
}

func startEnv(t *testing.T, an intel.Analyzer, cfg config.Config) *testEnv {
	t.Helper()

	items := storememory.NewItemStore()
	archive := storememory.NewArchiveStore()
	queue := queuememory.NewQueue(32)
	clk := system.New()
	stats := &intel.Stats{}

	w := worker.New(
		queue, items, archive, an,
		policy.NewAcceptance(5.0, nil),
		intel.NewExponentialBackoff(10*time.Millisecond, 100*time.Millisecond),
		nil, clk, stats,
		worker.Config{MaxRetries: 2, AnalysisTimeout: 10 * time.Second},
		nil,
	)
	d := dispatcher.New(queue, items, []*worker.Worker{w}, clk, queue, nil,
		dispatcher.Config{SweepInterval: 50 * time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	server := NewServer(items, archive, d, uuid.New(), clk, stats, nil, cfg, nil)
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, items: items, archive: archive}
}

func postCollect(t *testing.T, env *testEnv, payload map[string]any, headers map[string]string) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/v1/intel/collect", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close() //nolint:errcheck
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestCollectToArchiveEndToEnd(t *testing.T) {
	t.Parallel()

	env := startEnv(t, stubAnalyzer{score: 8.5}, config.Config{})

	resp := postCollect(t, env, map[string]any{
		"source_url": "https://news.example/ports",
		"title":      "Port closure in Rotterdam",
		"body":       "Operations suspended.",
	}, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	body := decodeBody(t, resp)
	itemID := body["item_id"].(string)
	require.NotEmpty(t, itemID)

	require.Eventually(t, func() bool {
		item, err := env.items.GetItem(context.Background(), itemID)
		return err == nil && item.Status == intel.StatusArchived
	}, 3*time.Second, 20*time.Millisecond)

	// A threshold below the score returns the record.
	resp, err := http.Get(env.srv.URL + "/v1/intel/?threshold=6")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result intel.QueryResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	require.NoError(t, resp.Body.Close())
	require.Equal(t, 1, result.Total)
	require.Equal(t, itemID, result.Results[0].ItemID)
	require.InDelta(t, 8.5, result.Results[0].MaxRateScore, 1e-9)

	// A threshold above the score filters it out.
	resp, err = http.Get(env.srv.URL + "/v1/intel/?threshold=9")
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	require.NoError(t, resp.Body.Close())
	require.Zero(t, result.Total)
}

func TestCollectHonorsReportedCollectedAt(t *testing.T) {
	t.Parallel()

	env := startEnv(t, stubAnalyzer{score: 8.5}, config.Config{})

	collected := time.Date(2026, 2, 14, 6, 30, 0, 0, time.UTC)
	resp := postCollect(t, env, map[string]any{
		"source_url":   "https://news.example/batched",
		"title":        "Batched upload",
		"body":         "b",
		"collected_at": collected.Format(time.RFC3339),
	}, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	itemID := decodeBody(t, resp)["item_id"].(string)

	item, err := env.items.GetItem(context.Background(), itemID)
	require.NoError(t, err)
	require.True(t, item.CollectedAt.Equal(collected), "collector-reported time must win over receipt time")

	// Without the field, receipt time is stamped.
	resp = postCollect(t, env, map[string]any{
		"source_url": "https://news.example/live",
		"title":      "Live upload",
		"body":       "b",
	}, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	itemID = decodeBody(t, resp)["item_id"].(string)

	item, err = env.items.GetItem(context.Background(), itemID)
	require.NoError(t, err)
	require.WithinDuration(t, time.Now(), item.CollectedAt, time.Minute)
}

func TestCollectConcurrentDuplicates(t *testing.T) {
	t.Parallel()

	env := startEnv(t, stubAnalyzer{score: 8.5}, config.Config{})

	payload := map[string]any{
		"source_url": "https://news.example/same",
		"title":      "Same story",
		"body":       "body",
	}

	const submitters = 12
	var wg sync.WaitGroup
	codes := make(chan int, submitters)
	for i := 0; i < submitters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := postCollect(t, env, payload, nil)
			codes <- resp.StatusCode
			resp.Body.Close() //nolint:errcheck
		}()
	}
	wg.Wait()
	close(codes)

	accepted, duplicate := 0, 0
	for code := range codes {
		switch code {
		case http.StatusAccepted:
			accepted++
		case http.StatusOK:
			duplicate++
		default:
			t.Fatalf("unexpected status %d", code)
		}
	}
	require.Equal(t, 1, accepted, "exactly one submission wins the fingerprint")
	require.Equal(t, submitters-1, duplicate)
}

func TestCollectValidation(t *testing.T) {
	t.Parallel()

	env := startEnv(t, stubAnalyzer{score: 8.5}, config.Config{})

	resp := postCollect(t, env, map[string]any{"title": "no url or body"}, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close() //nolint:errcheck

	req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/v1/intel/collect", bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close() //nolint:errcheck
}

func TestCollectAuth(t *testing.T) {
	t.Parallel()

	env := startEnv(t, stubAnalyzer{score: 8.5}, config.Config{
		Auth: config.AuthConfig{Enabled: true, CollectorTokens: []string{"collector-secret"}},
	})

	payload := map[string]any{
		"source_url": "https://news.example/a",
		"title":      "t",
		"body":       "b",
	}

	resp := postCollect(t, env, payload, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close() //nolint:errcheck

	resp = postCollect(t, env, payload, map[string]string{"Authorization": "Bearer wrong"})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close() //nolint:errcheck

	resp = postCollect(t, env, payload, map[string]string{"Authorization": "Bearer collector-secret"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close() //nolint:errcheck

	// Health stays open without a token.
	healthResp, err := http.Get(env.srv.URL + "/healthz")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, healthResp.StatusCode)
	healthResp.Body.Close() //nolint:errcheck
}

func TestGetIntelStatusAndRecord(t *testing.T) {
	t.Parallel()

	env := startEnv(t, stubAnalyzer{score: 2.0}, config.Config{})

	resp := postCollect(t, env, map[string]any{
		"source_url": "https://news.example/dull",
		"title":      "Dull story",
		"body":       "nothing happened",
	}, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	itemID := decodeBody(t, resp)["item_id"].(string)

	require.Eventually(t, func() bool {
		item, err := env.items.GetItem(context.Background(), itemID)
		return err == nil && item.Status == intel.StatusDiscarded
	}, 3*time.Second, 20*time.Millisecond)

	resp, err := http.Get(env.srv.URL + "/v1/intel/" + itemID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	require.Equal(t, string(intel.StatusDiscarded), body["status"])

	resp, err = http.Get(env.srv.URL + "/v1/intel/no-such-item")
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close() //nolint:errcheck
}

func TestStatsEndpoint(t *testing.T) {
	t.Parallel()

	env := startEnv(t, stubAnalyzer{score: 8.5}, config.Config{})

	resp := postCollect(t, env, map[string]any{
		"source_url": "https://news.example/x",
		"title":      "x",
		"body":       "b",
	}, nil)
	resp.Body.Close() //nolint:errcheck

	resp, err := http.Get(env.srv.URL + "/v1/stats")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	counters := body["counters"].(map[string]any)
	require.EqualValues(t, 1, counters["submitted"])
}

func TestQueryFilterValidation(t *testing.T) {
	t.Parallel()

	env := startEnv(t, stubAnalyzer{score: 8.5}, config.Config{})

	for _, query := range []string{
		"threshold=eleven",
		"threshold=12",
		"since=yesterday",
		"limit=-1",
	} {
		resp, err := http.Get(env.srv.URL + "/v1/intel/?" + query)
		require.NoError(t, err)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, query)
		resp.Body.Close() //nolint:errcheck
	}
}

func TestMalformedReplyRecoveredByNudgeEndToEnd(t *testing.T) {
	t.Parallel()

	var calls int
	var mu sync.Mutex
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()

		content := "sorry, no json here"
		if n > 1 {
			content = `{"event_title": "recovered event", "event_brief": "b", "ratings": [{"class": "情报价值", "score": 8.5}], "entities": {}}`
		}
		resp := map[string]any{"choices": []map[string]any{{"message": map[string]any{"content": content}}}}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			t.Error(err)
		}
	}))
	defer backend.Close()

	pool := keypool.New([]keypool.Key{
		{Name: "primary", Endpoint: backend.URL, Credential: "x", Model: "m"},
	}, keypool.Options{}, nil)
	client := analyzer.New(pool, nil, system.New(), analyzer.Config{Timeout: 5 * time.Second}, nil)

	env := startEnv(t, client, config.Config{})

	resp := postCollect(t, env, map[string]any{
		"source_url": "https://news.example/nudge",
		"title":      "Nudge story",
		"body":       "b",
	}, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	itemID := decodeBody(t, resp)["item_id"].(string)

	require.Eventually(t, func() bool {
		rec, err := env.archive.Get(context.Background(), itemID)
		return err == nil && rec.EventTitle == "recovered event"
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 2, calls, "one initial call plus one reformat nudge")
}
