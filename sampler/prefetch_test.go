package sampler

import (
	"context"
	"errors"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func newPrefetchSource(t *testing.T) *Memory {
	t.Helper()
	config := DefaultSyntheticConfig()
	config.InputSize, config.NumFeatures = 3, 2
	config.TrainSize, config.ValidSize, config.TestSize = 20, 6, 0
	datasets, features, err := Synthetic(config)
	if err != nil {
		t.Fatalf("Failed to generate data: %v", err)
	}
	m, err := NewMemory(datasets, features, DefaultMemoryConfig(), nil)
	if err != nil {
		t.Fatalf("Failed to create sampler: %v", err)
	}
	return m
}

func TestPrefetcherMatchesInnerSequence(t *testing.T) {
	direct := newPrefetchSource(t)
	p, err := NewPrefetcher(newPrefetchSource(t), PrefetchConfig{BatchSize: 4, PrefetchDepth: 3})
	if err != nil {
		t.Fatalf("Failed to create prefetcher: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer p.Stop()

	// 12 batches of 4 walk the 20 training rows more than twice
	for i := 0; i < 12; i++ {
		want, err := direct.Sample(4)
		if err != nil {
			t.Fatalf("direct sample %d: %v", i, err)
		}
		got, err := p.Sample(4)
		if err != nil {
			t.Fatalf("prefetched sample %d: %v", i, err)
		}
		if !mat.Equal(want.Inputs, got.Inputs) || !mat.Equal(want.Targets, got.Targets) {
			t.Fatalf("batch %d differs from the inner sampler", i)
		}
	}
	if stats := p.Stats(); !stats.IsRunning || stats.BatchesProduced < 12 || stats.QueueCapacity != 3 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestPrefetcherLifecycle(t *testing.T) {
	p, err := NewPrefetcher(newPrefetchSource(t), PrefetchConfig{BatchSize: 4})
	if err != nil {
		t.Fatalf("Failed to create prefetcher: %v", err)
	}

	if _, err := p.Sample(4); err == nil {
		t.Error("expected an error before Start")
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := p.Start(context.Background()); err == nil {
		t.Error("expected an error on a second Start")
	}
	if _, err := p.Sample(5); err == nil {
		t.Error("expected an error for a mismatched batch size")
	}

	p.Stop()
	p.Stop()
	if _, err := p.Sample(4); !errors.Is(err, ErrPrefetchStopped) {
		t.Errorf("expected ErrPrefetchStopped, got %v", err)
	}
	if err := p.Start(context.Background()); !errors.Is(err, ErrPrefetchStopped) {
		t.Errorf("expected restart to fail with ErrPrefetchStopped, got %v", err)
	}
	if p.Stats().IsRunning {
		t.Error("expected prefetcher to be stopped")
	}
}

func TestPrefetcherServesOtherModesDirectly(t *testing.T) {
	p, err := NewPrefetcher(newPrefetchSource(t), PrefetchConfig{BatchSize: 4})
	if err != nil {
		t.Fatalf("Failed to create prefetcher: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer p.Stop()

	if err := p.SetMode(Validation); err != nil {
		t.Fatalf("SetMode failed: %v", err)
	}
	batch, err := p.Sample(2)
	if err != nil {
		t.Fatalf("validation sample failed: %v", err)
	}
	if batch.Len() != 2 {
		t.Errorf("expected 2 rows, got %d", batch.Len())
	}
	if err := p.SetMode(Test); err == nil {
		t.Error("expected an error for a missing partition")
	}

	set, err := p.ValidationSet(4, 0)
	if err != nil {
		t.Fatalf("ValidationSet failed: %v", err)
	}
	if set.Len() != 6 {
		t.Errorf("expected 6 validation rows, got %d", set.Len())
	}
	if len(p.Modes()) != 2 || p.FeatureFromIndex(1) != "feature_1" {
		t.Errorf("expected delegation to the inner sampler")
	}
}

// brokenSampler fails every training draw
type brokenSampler struct{ *Memory }

var errBroken = errors.New("disk gone")

func (b brokenSampler) Sample(int) (Batch, error) { return Batch{}, errBroken }

func TestPrefetcherReportsWorkerError(t *testing.T) {
	p, err := NewPrefetcher(brokenSampler{newPrefetchSource(t)}, PrefetchConfig{BatchSize: 4})
	if err != nil {
		t.Fatalf("Failed to create prefetcher: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer p.Stop()

	for i := 0; i < 2; i++ {
		if _, err := p.Sample(4); !errors.Is(err, errBroken) {
			t.Errorf("call %d: expected the worker error, got %v", i, err)
		}
	}
}

func TestNewPrefetcherValidation(t *testing.T) {
	if _, err := NewPrefetcher(nil, PrefetchConfig{BatchSize: 1}); err == nil {
		t.Error("expected an error for a nil sampler")
	}
	if _, err := NewPrefetcher(newPrefetchSource(t), PrefetchConfig{}); err == nil {
		t.Error("expected an error for a zero batch size")
	}
}
