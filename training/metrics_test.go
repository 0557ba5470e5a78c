package training

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/tsawler/go-trainer/scoring"
)

func TestMetricsRecorderLines(t *testing.T) {
	var train, validation bytes.Buffer
	r, err := NewMetricsRecorder(&train, &validation, scoring.AveragePrecision)
	if err != nil {
		t.Fatalf("Failed to create recorder: %v", err)
	}

	if train.String() != "loss\n" {
		t.Errorf("expected train header, got %q", train.String())
	}
	if validation.String() != "loss\taverage_precision\n" {
		t.Errorf("expected validation header, got %q", validation.String())
	}

	steps := []struct {
		train  float64
		report scoring.Report
	}{
		{0.5, scoring.NewReport(0.25, map[string]float64{scoring.AveragePrecision: 0.75}, scoring.AveragePrecision)},
		{0.125, scoring.NewReport(0.2, map[string]float64{scoring.AveragePrecision: math.NaN()}, scoring.AveragePrecision)},
		{math.NaN(), scoring.NewReport(0.1, nil, scoring.AveragePrecision)},
	}
	for _, s := range steps {
		if err := r.RecordTrain(s.train); err != nil {
			t.Fatalf("RecordTrain failed: %v", err)
		}
		if err := r.RecordValidation(s.report); err != nil {
			t.Fatalf("RecordValidation failed: %v", err)
		}
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if want := "loss\n0.5\n0.125\nNaN\n"; train.String() != want {
		t.Errorf("expected train log %q, got %q", want, train.String())
	}
	if want := "loss\taverage_precision\n0.25\t0.75\n0.2\tNA\n0.1\tNA\n"; validation.String() != want {
		t.Errorf("expected validation log %q, got %q", want, validation.String())
	}
}

func TestOpenMetricsRecorder(t *testing.T) {
	dir := t.TempDir()
	r, err := OpenMetricsRecorder(dir, "run", scoring.ROCAUC)
	if err != nil {
		t.Fatalf("Failed to open recorder: %v", err)
	}
	if err := r.RecordTrain(1.5); err != nil {
		t.Fatalf("RecordTrain failed: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "run.train.txt"))
	if err != nil {
		t.Fatalf("Failed to read train log: %v", err)
	}
	if string(data) != "loss\n1.5\n" {
		t.Errorf("expected train log with one line, got %q", data)
	}
	if _, err := os.Stat(filepath.Join(dir, "run.validation.txt")); err != nil {
		t.Errorf("expected validation log: %v", err)
	}

	if _, err := OpenMetricsRecorder(filepath.Join(dir, "missing"), "run", scoring.ROCAUC); err == nil {
		t.Error("expected an error for a missing directory")
	}
}
