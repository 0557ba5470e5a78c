package sampler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrPrefetchStopped is returned by Sample after Stop.
var ErrPrefetchStopped = errors.New("prefetching sampler has been stopped")

// PrefetchConfig holds configuration for a Prefetcher
type PrefetchConfig struct {
	BatchSize     int // Size of each training batch
	PrefetchDepth int // Number of batches drawn ahead (default: 2)
}

// Prefetcher draws training batches from an inner Sampler on a background
// goroutine so the next batch is ready when a step asks for it. A single
// worker keeps the batch sequence identical to calling the inner sampler
// directly. Partitions other than Train are served synchronously.
//
// Sampled-record files may include up to PrefetchDepth+1 batches that were
// drawn but never handed out.
type Prefetcher struct {
	inner     Sampler
	innerMu   sync.Mutex
	batchSize int

	batchChannel chan Batch
	produced     atomic.Uint64

	errMu     sync.Mutex
	workerErr error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mutex     sync.RWMutex
	mode      Partition
	isRunning bool
	stopped   bool
}

// PrefetchStats provides statistics about the prefetcher
type PrefetchStats struct {
	IsRunning       bool
	BatchesProduced uint64
	QueuedBatches   int
	QueueCapacity   int
}

// NewPrefetcher wraps inner. Call Start before the first Sample and Stop
// when done.
func NewPrefetcher(inner Sampler, config PrefetchConfig) (*Prefetcher, error) {
	if inner == nil {
		return nil, fmt.Errorf("inner sampler cannot be nil")
	}
	if config.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if config.PrefetchDepth <= 0 {
		config.PrefetchDepth = 2
	}
	return &Prefetcher{
		inner:        inner,
		batchSize:    config.BatchSize,
		batchChannel: make(chan Batch, config.PrefetchDepth),
		mode:         Train,
	}, nil
}

// Start begins drawing batches in the background. The worker exits when ctx
// is done or Stop is called.
func (p *Prefetcher) Start(ctx context.Context) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.isRunning {
		return fmt.Errorf("prefetcher is already running")
	}
	if p.stopped {
		return ErrPrefetchStopped
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.worker()
	p.isRunning = true
	return nil
}

// Stop halts the worker and discards queued batches. It is safe to call
// more than once.
func (p *Prefetcher) Stop() {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if !p.isRunning {
		p.stopped = true
		return
	}
	p.cancel()
	p.wg.Wait()
	for range p.batchChannel {
	}
	p.isRunning = false
	p.stopped = true
}

func (p *Prefetcher) worker() {
	defer p.wg.Done()
	defer close(p.batchChannel)

	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		batch, err := p.draw()
		if err != nil {
			p.errMu.Lock()
			p.workerErr = err
			p.errMu.Unlock()
			return
		}

		select {
		case p.batchChannel <- batch:
			p.produced.Add(1)
		case <-p.ctx.Done():
			return
		}
	}
}

func (p *Prefetcher) draw() (Batch, error) {
	p.innerMu.Lock()
	defer p.innerMu.Unlock()
	if err := p.inner.SetMode(Train); err != nil {
		return Batch{}, err
	}
	return p.inner.Sample(p.batchSize)
}

// Sample returns the next batch of the active partition. Training batches
// come from the prefetch queue and must use the configured batch size.
func (p *Prefetcher) Sample(batchSize int) (Batch, error) {
	p.mutex.RLock()
	mode, running, stopped := p.mode, p.isRunning, p.stopped
	p.mutex.RUnlock()

	if mode != Train {
		p.innerMu.Lock()
		defer p.innerMu.Unlock()
		if err := p.inner.SetMode(mode); err != nil {
			return Batch{}, err
		}
		return p.inner.Sample(batchSize)
	}
	if batchSize != p.batchSize {
		return Batch{}, fmt.Errorf("prefetcher draws batches of %d, asked for %d", p.batchSize, batchSize)
	}
	if stopped {
		return Batch{}, ErrPrefetchStopped
	}
	if !running {
		return Batch{}, fmt.Errorf("prefetcher has not been started")
	}

	batch, ok := <-p.batchChannel
	if ok {
		return batch, nil
	}
	p.errMu.Lock()
	defer p.errMu.Unlock()
	if p.workerErr != nil {
		return Batch{}, fmt.Errorf("prefetch worker: %w", p.workerErr)
	}
	return Batch{}, ErrPrefetchStopped
}

// SetMode selects the partition served by Sample.
func (p *Prefetcher) SetMode(mode Partition) error {
	if !HasMode(p.inner, mode) {
		return fmt.Errorf("sampler has no %s partition", mode)
	}
	p.mutex.Lock()
	p.mode = mode
	p.mutex.Unlock()
	return nil
}

func (p *Prefetcher) ValidationSet(batchSize, nSamples int) (*BatchSet, error) {
	p.innerMu.Lock()
	defer p.innerMu.Unlock()
	return p.inner.ValidationSet(batchSize, nSamples)
}

func (p *Prefetcher) TestSet(batchSize, nSamples int) (*BatchSet, error) {
	p.innerMu.Lock()
	defer p.innerMu.Unlock()
	return p.inner.TestSet(batchSize, nSamples)
}

func (p *Prefetcher) FeatureFromIndex(i int) string {
	return p.inner.FeatureFromIndex(i)
}

func (p *Prefetcher) Modes() []Partition {
	return p.inner.Modes()
}

// SaveDatasetToFile flushes the inner sampler's records. Closing the
// training records stops the worker first so nothing reopens the file.
func (p *Prefetcher) SaveDatasetToFile(partition Partition, closeFile bool) error {
	if partition == Train && closeFile {
		p.Stop()
	}
	p.innerMu.Lock()
	defer p.innerMu.Unlock()
	return p.inner.SaveDatasetToFile(partition, closeFile)
}

// Stats returns statistics about the prefetcher
func (p *Prefetcher) Stats() PrefetchStats {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return PrefetchStats{
		IsRunning:       p.isRunning,
		BatchesProduced: p.produced.Load(),
		QueuedBatches:   len(p.batchChannel),
		QueueCapacity:   cap(p.batchChannel),
	}
}

var _ Sampler = (*Prefetcher)(nil)
