package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/theimaginaryfoundation/anno-absa/absa"
	"github.com/theimaginaryfoundation/anno-absa/absa/provider"
)

type fakeBackend struct {
	out string
}

func (f fakeBackend) Generate(ctx context.Context, req provider.Request) (string, error) {
	return f.out, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const reviewsJSON = `[
  {"text": "The pizza was great", "label": [{"aspect_term": "pizza", "aspect_category": "food quality", "sentiment_polarity": "positive", "opinion_term": "great"}]},
  {"text": "Service was slow"},
  {"text": "Nice view."}
]`

func newTestServer(t *testing.T, body string, settings absa.Settings, predictor Predictor) (*httptest.Server, string) {
	t.Helper()
	p := filepath.Join(t.TempDir(), "reviews.json")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	store, err := absa.OpenStore(p)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	srv := httptest.NewServer(New(store, &settings, predictor, quietLogger()).Handler())
	t.Cleanup(srv.Close)
	return srv, p
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestSettingsEndpoint(t *testing.T) {
	t.Parallel()

	s := absa.DefaultSettings()
	s.SessionID = "exp_2024"
	srv, _ := newTestServer(t, reviewsJSON, s, nil)

	resp, err := http.Get(srv.URL + "/settings")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("missing CORS header")
	}
	var got map[string]any
	decode(t, resp, &got)
	if got["total_count"] != float64(3) || got["current_index"] != float64(1) || got["session_id"] != "exp_2024" {
		t.Fatalf("settings=%v", got)
	}
}

func TestDataEndpoint(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, reviewsJSON, absa.DefaultSettings(), nil)

	resp, err := http.Get(srv.URL + "/data/0")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	var row map[string]string
	decode(t, resp, &row)
	if row["text"] != "The pizza was great" || !strings.Contains(row["label"], `"aspect_term":"pizza"`) {
		t.Fatalf("row=%v", row)
	}

	for path, want := range map[string]int{"/data/3": http.StatusNotFound, "/data/-1": http.StatusNotFound, "/data/x": http.StatusUnprocessableEntity} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != want {
			t.Fatalf("%s status=%d, want %d", path, resp.StatusCode, want)
		}
	}
}

func TestAnnotationsEndpoint_PersistsLabel(t *testing.T) {
	t.Parallel()

	srv, p := newTestServer(t, reviewsJSON, absa.DefaultSettings(), nil)

	body := `{"name":"annotations","value":[{"aspect_term":"Service","sentiment_polarity":"negative","at_start":0,"at_end":6}]}`
	resp, err := http.Post(srv.URL+"/annotations/1", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}

	store, _ := absa.OpenStore(p)
	tbl, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	labels, ok := tbl.Labels(1)
	if !ok || len(labels) != 1 || labels[0].AspectTerm != "Service" || *labels[0].ATEnd != 6 {
		t.Fatalf("labels=%+v ok=%v", labels, ok)
	}
	if tbl.CurrentIndex() != 2 {
		t.Fatalf("current=%d, want 2", tbl.CurrentIndex())
	}

	resp, err = http.Post(srv.URL+"/annotations/9", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status=%d, want 404", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/annotations/1", "application/json", strings.NewReader(`{"name":"x"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status=%d, want 422", resp.StatusCode)
	}
}

func TestAutoAddPositionsEndpoint(t *testing.T) {
	t.Parallel()

	srv, p := newTestServer(t, reviewsJSON, absa.DefaultSettings(), nil)

	resp, err := http.Post(srv.URL+"/auto-add-positions", "application/json", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	var got map[string]any
	decode(t, resp, &got)
	if got["updated"] != float64(2) {
		t.Fatalf("resp=%v, want 2 updates", got)
	}

	b, err := os.ReadFile(p)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(b), `"at_start": 4`) || !strings.Contains(string(b), `"ot_end": 18`) {
		t.Fatalf("offsets not written:\n%s", b)
	}
}

func TestPredictEndpoint(t *testing.T) {
	t.Parallel()

	payload := `{"aspects":[{"aspect_term":"Service","aspect_category":"service speed","sentiment_polarity":"negative","opinion_term":"slow"}]}`
	pred := absa.Predictor{Backend: fakeBackend{out: payload}, Logger: quietLogger()}

	s := absa.DefaultSettings()
	s.EnablePrePrediction = true
	srv, _ := newTestServer(t, reviewsJSON, s, pred)

	resp, err := http.Post(srv.URL+"/predict/1", "application/json", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	var got absa.PredictionResult
	decode(t, resp, &got)
	if len(got.Predictions) != 1 || got.Predictions[0].OpinionTerm != "slow" {
		t.Fatalf("predictions=%+v", got.Predictions)
	}
	if got.Predictions[0].OTStart == nil || *got.Predictions[0].OTStart != 12 {
		t.Fatalf("offsets missing: %+v", got.Predictions[0])
	}
	if len(got.UsedExamples) != 1 || got.UsedExamples[0].Text != "The pizza was great" {
		t.Fatalf("used examples=%+v", got.UsedExamples)
	}
}

func TestPredictEndpoint_DisabledAndConfigError(t *testing.T) {
	t.Parallel()

	pred := absa.Predictor{Backend: fakeBackend{out: `{"aspects":[]}`}, Logger: quietLogger()}

	srv, _ := newTestServer(t, reviewsJSON, absa.DefaultSettings(), pred)
	resp, err := http.Post(srv.URL+"/predict/0", "application/json", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status=%d, want 409", resp.StatusCode)
	}

	s := absa.DefaultSettings()
	s.EnablePrePrediction = true
	s.AspectCategories = nil
	srv, _ = newTestServer(t, reviewsJSON, s, pred)
	resp, err = http.Post(srv.URL+"/predict/0", "application/json", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	var got map[string]string
	decode(t, resp, &got)
	if resp.StatusCode != http.StatusBadRequest || !strings.Contains(got["detail"], "aspect_category") {
		t.Fatalf("status=%d detail=%q", resp.StatusCode, got["detail"])
	}
}

func TestCORSPreflight(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, reviewsJSON, absa.DefaultSettings(), nil)
	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/annotations/0", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent || resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("status=%d headers=%v", resp.StatusCode, resp.Header)
	}
}

func TestMissingDataFile(t *testing.T) {
	t.Parallel()

	store, err := absa.OpenStore(filepath.Join(t.TempDir(), "missing.csv"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	settings := absa.DefaultSettings()
	srv := httptest.NewServer(New(store, &settings, nil, quietLogger()).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/data/0")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status=%d, want 404", resp.StatusCode)
	}
}
