package sync

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"device-sync-service/internal/logger"
	"device-sync-service/internal/store"
)

// TransmitResult is the outcome of sending one change.
type TransmitResult struct {
	Change *store.Change
	Err    error
}

// WorkerPool transmits the changes of one pass with bounded concurrency.
// Results are handed back on a channel so that a single goroutine owns all
// queue mutation.
type WorkerPool struct {
	size      int
	transport Transport
}

func NewWorkerPool(size int, transport Transport) *WorkerPool {
	if size < 1 {
		size = 1
	}
	return &WorkerPool{
		size:      size,
		transport: transport,
	}
}

// Dispatch starts transmitting changes. Closing stop prevents any change not
// yet handed to a worker from being sent; in-flight transmissions finish.
// The returned channel is closed once every worker has exited.
func (p *WorkerPool) Dispatch(ctx context.Context, changes []*store.Change, stop <-chan struct{}) <-chan TransmitResult {
	jobs := make(chan *store.Change)
	results := make(chan TransmitResult, len(changes))

	workers := p.size
	if len(changes) < workers {
		workers = len(changes)
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for change := range jobs {
				logger.Log.Debug("Transmitting change",
					zap.Int("workerID", id),
					zap.String("changeID", change.ID),
					zap.String("operation", string(change.Operation)),
				)
				err := p.transport.Transmit(ctx, change)
				results <- TransmitResult{Change: change, Err: err}
			}
		}(i)
	}

	go func() {
		defer close(jobs)
		for _, change := range changes {
			select {
			case jobs <- change:
			case <-stop:
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	return results
}
