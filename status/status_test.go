package status

import (
	"context"
	"encoding/json"
	"math"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tsawler/go-trainer/training"
)

func feed(b *Board) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for step := 10; step < 14; step++ {
		p := training.Progress{
			RunID:        "run-1",
			Step:         step,
			StartStep:    10,
			MaxSteps:     20,
			TrainLoss:    0.5,
			LearningRate: 0.01,
			MinLoss:      math.Inf(1),
			Time:         start.Add(time.Duration(step-10) * time.Second),
		}
		if step == 12 {
			p.Validation = map[string]float64{"roc_auc": 0.75, "average_precision": math.NaN()}
			p.Validated = true
			p.MinLoss = 0.4
		}
		b.OnStep(p)
	}
}

func get(t *testing.T, router http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestStatusBeforeFirstStep(t *testing.T) {
	router := NewRouter(NewHandler(nil, NewBoard()))

	if rr := get(t, router, "/status"); rr.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rr.Code)
	}
	if rr := get(t, router, "/healthz"); rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rr.Code)
	}
}

func TestStatusSnapshot(t *testing.T) {
	board := NewBoard()
	feed(board)
	router := NewRouter(NewHandler(nil, board))

	rr := get(t, router, "/status")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var s Snapshot
	if err := json.NewDecoder(rr.Body).Decode(&s); err != nil {
		t.Fatalf("Failed to decode status: %v", err)
	}
	if s.RunID != "run-1" || s.Step != 13 || s.MaxSteps != 20 {
		t.Errorf("unexpected snapshot %+v", s)
	}
	if s.TrainLoss == nil || *s.TrainLoss != 0.5 {
		t.Errorf("expected train loss 0.5, got %v", s.TrainLoss)
	}
	if s.MinLoss != nil {
		t.Errorf("expected null min loss for +Inf, got %v", *s.MinLoss)
	}
	if math.Abs(s.StepsPerSec-1) > 1e-9 {
		t.Errorf("expected 1 step/s, got %v", s.StepsPerSec)
	}
	if s.Done {
		t.Error("expected run to be in progress")
	}

	board.MarkDone()
	snapshot, _ := board.Snapshot()
	if !snapshot.Done {
		t.Error("expected run to be done")
	}
}

func TestValidationRoutes(t *testing.T) {
	board := NewBoard()
	feed(board)
	router := NewRouter(NewHandler(nil, board))

	rr := get(t, router, "/validations")
	var all []Validation
	if err := json.NewDecoder(rr.Body).Decode(&all); err != nil {
		t.Fatalf("Failed to decode validations: %v", err)
	}
	if len(all) != 1 || all[0].Step != 12 {
		t.Fatalf("expected one validation at step 12, got %+v", all)
	}

	tests := []struct {
		path string
		code int
	}{
		{"/validations/12", http.StatusOK},
		{"/validations/11", http.StatusNotFound},
		{"/validations/abc", http.StatusNotFound},
	}
	for _, tt := range tests {
		if rr := get(t, router, tt.path); rr.Code != tt.code {
			t.Errorf("%s: expected %d, got %d", tt.path, tt.code, rr.Code)
		}
	}

	rr = get(t, router, "/validations/12")
	var v Validation
	if err := json.NewDecoder(rr.Body).Decode(&v); err != nil {
		t.Fatalf("Failed to decode validation: %v", err)
	}
	if v.Scores["roc_auc"] == nil || *v.Scores["roc_auc"] != 0.75 {
		t.Errorf("expected roc_auc 0.75, got %v", v.Scores["roc_auc"])
	}
	if score, ok := v.Scores["average_precision"]; !ok || score != nil {
		t.Errorf("expected null average_precision, got %v", score)
	}
}

func TestStatusRejectsOtherMethods(t *testing.T) {
	router := NewRouter(NewHandler(nil, NewBoard()))
	req := httptest.NewRequest(http.MethodPost, "/status", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rr.Code)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, nil, listener, NewRouter(NewHandler(nil, NewBoard())))
	}()

	resp, err := http.Get("http://" + listener.Addr().String() + "/healthz")
	if err != nil {
		t.Fatalf("Failed to reach server: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
