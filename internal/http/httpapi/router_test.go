package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"enhancer/internal/adapter/memory"
	"enhancer/internal/http/handlers"
	"enhancer/internal/jobs"
	"enhancer/internal/middleware"
	"enhancer/internal/realtime"
	"enhancer/internal/webhook"
)

const (
	jwtSecret  = "jwt-secret"
	hookSecret = "hook-secret"
)

type testAPI struct {
	t       *testing.T
	store   *memory.Store
	streams *realtime.Manager
	handler http.Handler
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	store := memory.New()
	streams := realtime.NewManager(time.Minute, zerolog.Nop())
	t.Cleanup(streams.Close)
	svc := jobs.NewService(store.Jobs, store.Variants, nil, streams, jobs.Config{
		Provider:        "render-engine",
		Model:           "enhance-v1",
		JobCost:         1,
		CallbackBaseURL: "https://api.example.com",
	}, zerolog.Nop())
	proc := webhook.NewProcessor(store.Jobs, store.Nonces,
		webhook.NewVerifier(hookSecret, 5*time.Minute), streams, zerolog.Nop())
	app := handlers.NewApp(svc, proc, streams, zerolog.Nop())
	return &testAPI{
		t:       t,
		store:   store,
		streams: streams,
		handler: NewRouter(app, Options{JWTSecret: jwtSecret, RateLimitPerMin: 100, Logger: zerolog.Nop()}),
	}
}

func token(t *testing.T, tenant, user string) string {
	t.Helper()
	tok, err := middleware.SignJWT(jwtSecret, tenant, user, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func (api *testAPI) do(method, path, tok string, body any) *httptest.ResponseRecorder {
	api.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			api.t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rr := httptest.NewRecorder()
	api.handler.ServeHTTP(rr, req)
	return rr
}

func (api *testAPI) callback(jobID, body, nonce string) *httptest.ResponseRecorder {
	api.t.Helper()
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/enhancement-jobs/"+jobID+"/callback", strings.NewReader(body))
	req.Header.Set("X-Timestamp", ts)
	req.Header.Set("X-Signature", webhook.Sign(hookSecret, ts, []byte(body)))
	if nonce != "" {
		req.Header.Set("X-Nonce", nonce)
	}
	rr := httptest.NewRecorder()
	api.handler.ServeHTTP(rr, req)
	return rr
}

func createBody(photo string) map[string]any {
	return map[string]any{
		"photoId":  photo,
		"imageUrl": "https://cdn.example.com/" + photo + ".jpg",
		"width":    1200,
		"height":   800,
		"masks": []map[string]any{{
			"id":         "wall",
			"materialId": "oak",
			"points":     []map[string]float64{{"x": 0, "y": 0}, {"x": 100, "y": 0}, {"x": 100, "y": 100}},
		}},
		"options": map[string]any{"quality": "high"},
	}
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return v
}

type createResp struct {
	JobID    string `json:"jobId"`
	Status   string `json:"status"`
	Cached   bool   `json:"cached"`
	Replayed bool   `json:"replayed"`
	Variants []struct {
		URL string `json:"url"`
	} `json:"variants"`
}

type errorResp struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (api *testAPI) create(tok, photo string) createResp {
	api.t.Helper()
	rr := api.do(http.MethodPost, "/enhancement-jobs", tok, createBody(photo))
	if rr.Code != http.StatusAccepted {
		api.t.Fatalf("create: status %d body %s", rr.Code, rr.Body.String())
	}
	return decode[createResp](api.t, rr)
}

func TestHealthz(t *testing.T) {
	api := newTestAPI(t)
	if rr := api.do(http.MethodGet, "/healthz", "", nil); rr.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rr.Code)
	}
}

func TestJobsRequireAuth(t *testing.T) {
	api := newTestAPI(t)
	rr := api.do(http.MethodGet, "/enhancement-jobs", "", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
}

func TestCreateGetAndOwnership(t *testing.T) {
	api := newTestAPI(t)
	alice := token(t, "acme", "alice")
	created := api.create(alice, "photo-1")
	if created.Status != "queued" || created.JobID == "" {
		t.Fatalf("unexpected create response %+v", created)
	}

	rr := api.do(http.MethodGet, "/enhancement-jobs/"+created.JobID, alice, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get status = %d", rr.Code)
	}
	job := decode[map[string]any](t, rr)
	if job["status"] != "queued" || job["tenantId"] != "acme" {
		t.Fatalf("unexpected job %v", job)
	}

	rr = api.do(http.MethodGet, "/enhancement-jobs/"+created.JobID, token(t, "acme", "bob"), nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("foreign get status = %d, want 403", rr.Code)
	}
	rr = api.do(http.MethodGet, "/enhancement-jobs/00000000-0000-0000-0000-000000000000", alice, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("missing get status = %d, want 404", rr.Code)
	}
}

func TestCreateValidationError(t *testing.T) {
	api := newTestAPI(t)
	body := createBody("photo-1")
	body["width"] = 4000
	body["height"] = 500
	rr := api.do(http.MethodPost, "/enhancement-jobs", token(t, "acme", "alice"), body)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
	if got := decode[errorResp](t, rr); got.Error.Code != "validation_error" || !strings.Contains(got.Error.Message, "aspect ratio") {
		t.Fatalf("unexpected error %+v", got)
	}
}

func TestCreateReplaysIdempotencyKeyHeader(t *testing.T) {
	api := newTestAPI(t)
	alice := token(t, "acme", "alice")
	first := api.create(alice, "photo-1")

	body, _ := json.Marshal(createBody("photo-2"))
	send := func() *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodPost, "/enhancement-jobs", bytes.NewReader(body))
		r.Header.Set("Authorization", "Bearer "+alice)
		r.Header.Set("Idempotency-Key", "req-42")
		rr := httptest.NewRecorder()
		api.handler.ServeHTTP(rr, r)
		return rr
	}
	a, b := send(), send()
	if a.Code != http.StatusAccepted || b.Code != http.StatusOK {
		t.Fatalf("statuses = %d, %d", a.Code, b.Code)
	}
	ra, rb := decode[createResp](t, a), decode[createResp](t, b)
	if ra.JobID != rb.JobID || !rb.Replayed || ra.JobID == first.JobID {
		t.Fatalf("unexpected replay %+v %+v", ra, rb)
	}
}

func TestCallbackCompletesJobAndEnablesCacheHit(t *testing.T) {
	api := newTestAPI(t)
	alice := token(t, "acme", "alice")
	created := api.create(alice, "photo-1")

	rr := api.callback(created.JobID, `{"status":"completed","variants":["https://cdn.example.com/out-1.png",{"url":"https://cdn.example.com/out-2.png"}]}`, "n-1")
	if rr.Code != http.StatusOK {
		t.Fatalf("callback status = %d body %s", rr.Code, rr.Body.String())
	}

	rr = api.do(http.MethodGet, "/enhancement-jobs/"+created.JobID, alice, nil)
	job := decode[struct {
		Status   string `json:"status"`
		Progress int    `json:"progress"`
		Variants []struct {
			URL  string `json:"url"`
			Rank int    `json:"rank"`
		} `json:"variants"`
	}](t, rr)
	if job.Status != "completed" || job.Progress != 100 || len(job.Variants) != 2 {
		t.Fatalf("unexpected job %+v", job)
	}

	rr = api.do(http.MethodPost, "/enhancement-jobs", token(t, "acme", "bob"), createBody("photo-1"))
	if rr.Code != http.StatusOK {
		t.Fatalf("cached create status = %d", rr.Code)
	}
	hit := decode[createResp](t, rr)
	if !hit.Cached || hit.JobID != created.JobID || len(hit.Variants) != 2 {
		t.Fatalf("unexpected cache hit %+v", hit)
	}
	if events, _ := api.store.Outbox.ListByJobID(context.Background(), created.JobID); len(events) != 1 {
		t.Fatalf("outbox events = %d, want 1", len(events))
	}

	rr = api.callback(created.JobID, `{"status":"failed","error":"late"}`, "n-2")
	if got := decode[map[string]any](t, rr); got["ignored"] != true || got["ok"] != true {
		t.Fatalf("terminal callback = %v", got)
	}
}

func TestCallbackRejectsBadSignatureAndReplay(t *testing.T) {
	api := newTestAPI(t)
	created := api.create(token(t, "acme", "alice"), "photo-1")
	path := "/enhancement-jobs/" + created.JobID + "/callback"
	body := `{"status":"rendering","progress":60}`

	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("X-Timestamp", strconv.FormatInt(time.Now().Unix(), 10))
	req.Header.Set("X-Signature", "sha256=deadbeef")
	rr := httptest.NewRecorder()
	api.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("bad signature status = %d", rr.Code)
	}

	stale := strconv.FormatInt(time.Now().Add(-time.Hour).Unix(), 10)
	req = httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("X-Timestamp", stale)
	req.Header.Set("X-Signature", webhook.Sign(hookSecret, stale, []byte(body)))
	rr = httptest.NewRecorder()
	api.handler.ServeHTTP(rr, req)
	if got := decode[errorResp](t, rr); rr.Code != http.StatusUnauthorized || got.Error.Code != "stale_timestamp" {
		t.Fatalf("stale status = %d error %+v", rr.Code, got)
	}

	if rr := api.callback(created.JobID, body, "once"); rr.Code != http.StatusOK {
		t.Fatalf("first delivery status = %d", rr.Code)
	}
	if rr := api.callback(created.JobID, body, "once"); rr.Code != http.StatusUnauthorized {
		t.Fatalf("replayed nonce status = %d", rr.Code)
	}

	job, err := api.store.Jobs.GetByID(context.Background(), created.JobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != "rendering" || job.ProgressPercent != 60 {
		t.Fatalf("job = %s/%d, want rendering/60", job.Status, job.ProgressPercent)
	}
}

func TestBulkRetryCountsOnlyFailedJobs(t *testing.T) {
	api := newTestAPI(t)
	alice := token(t, "acme", "alice")
	queued := api.create(alice, "photo-1")
	failed := api.create(alice, "photo-2")
	if rr := api.callback(failed.JobID, `{"status":"error","error":{"message":"gpu lost","code":"engine"}}`, ""); rr.Code != http.StatusOK {
		t.Fatalf("fail callback status = %d", rr.Code)
	}

	rr := api.do(http.MethodPost, "/enhancement-jobs/bulk-retry", alice, map[string]any{"jobIds": []string{queued.JobID, failed.JobID}})
	if rr.Code != http.StatusOK {
		t.Fatalf("bulk status = %d", rr.Code)
	}
	got := decode[struct {
		Succeeded int `json:"succeeded_count"`
		Failed    int `json:"failed_count"`
		Results   []struct {
			JobID    string `json:"jobId"`
			OK       bool   `json:"ok"`
			NewJobID string `json:"newJobId"`
			Reason   string `json:"reason"`
		} `json:"results"`
	}](t, rr)
	if got.Succeeded != 1 || got.Failed != 1 || len(got.Results) != 2 {
		t.Fatalf("unexpected counts %+v", got)
	}
	if got.Results[0].Reason != "conflict" || got.Results[1].NewJobID == "" {
		t.Fatalf("unexpected results %+v", got.Results)
	}
}

func TestBulkRejectsEmptyBatch(t *testing.T) {
	api := newTestAPI(t)
	rr := api.do(http.MethodPost, "/enhancement-jobs/bulk-delete", token(t, "acme", "alice"), map[string]any{"jobIds": []string{}})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestCancelThenCancelAgainConflicts(t *testing.T) {
	api := newTestAPI(t)
	alice := token(t, "acme", "alice")
	created := api.create(alice, "photo-1")

	if rr := api.do(http.MethodPost, "/enhancement-jobs/"+created.JobID+"/cancel", alice, nil); rr.Code != http.StatusOK {
		t.Fatalf("cancel status = %d", rr.Code)
	}
	if api.store.Reserved(created.JobID) {
		t.Fatal("reservation must be refunded")
	}
	if rr := api.do(http.MethodPost, "/enhancement-jobs/"+created.JobID+"/cancel", alice, nil); rr.Code != http.StatusConflict {
		t.Fatalf("second cancel status = %d, want 409", rr.Code)
	}
	if rr := api.do(http.MethodDelete, "/enhancement-jobs/"+created.JobID, alice, nil); rr.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rr.Code)
	}
}

func TestStreamDeliversOneSnapshotPerUpdate(t *testing.T) {
	api := newTestAPI(t)
	alice := token(t, "acme", "alice")
	created := api.create(alice, "photo-1")

	srv := httptest.NewServer(api.handler)
	defer srv.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/enhancement-jobs/"+created.JobID+"/stream", nil)
	req.Header.Set("Authorization", "Bearer "+alice)
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	next := func() map[string]any {
		t.Helper()
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				t.Fatalf("read stream: %v", err)
			}
			if data, ok := strings.CutPrefix(line, "data: "); ok {
				var snap map[string]any
				if err := json.Unmarshal([]byte(data), &snap); err != nil {
					t.Fatalf("decode snapshot: %v", err)
				}
				return snap
			}
		}
	}

	if initial := next(); initial["status"] != "queued" {
		t.Fatalf("initial snapshot = %v", initial)
	}

	updates := []string{
		`{"status":"downloading"}`,
		`{"status":"rendering","progress":55}`,
		`{"status":"completed","urls":["https://cdn.example.com/out.png"]}`,
	}
	for _, body := range updates {
		if rr := api.callback(created.JobID, body, ""); rr.Code != http.StatusOK {
			t.Fatalf("callback %s status = %d", body, rr.Code)
		}
	}

	want := []string{"downloading", "rendering", "completed"}
	for i, status := range want {
		snap := next()
		if snap["status"] != status || snap["id"] != created.JobID {
			t.Fatalf("event %d = %v, want status %s", i, snap, status)
		}
		if _, ok := snap["timestamp"]; !ok {
			t.Fatalf("event %d is not a full snapshot: %v", i, snap)
		}
	}
	rest, _ := io.ReadAll(reader)
	if strings.Contains(string(rest), "data: ") {
		t.Fatalf("unexpected extra events %q", rest)
	}
}
