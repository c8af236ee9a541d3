package storage

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Flusher periodically calls BufferPool.FlushAll on a ticker, per spec
// §4.10. Start launches the loop in a goroutine; Stop signals it to quit,
// awaits the in-flight flush, then performs one final flush.
type Flusher struct {
	pool     *BufferPool
	interval time.Duration
	logger   *zap.Logger

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewFlusher builds a Flusher over pool, flushing every interval.
func NewFlusher(pool *BufferPool, interval time.Duration, logger *zap.Logger) *Flusher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Flusher{
		pool:     pool,
		interval: interval,
		logger:   logger,
		quit:     make(chan struct{}),
	}
}

// Start launches the background loop. Calling Start twice is a misuse.
func (f *Flusher) Start() {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()

		ticker := time.NewTicker(f.interval)
		defer ticker.Stop()

		for {
			select {
			case <-f.quit:
				return
			case <-ticker.C:
				if err := f.pool.FlushAll(); err != nil {
					f.logger.Error("background flush failed", zap.Error(err))
				}
			}
		}
	}()
}

// Stop signals the loop to quit, waits for any in-flight flush to finish,
// and then performs one final flush_all, per spec §4.10's shutdown
// contract.
func (f *Flusher) Stop() error {
	close(f.quit)
	f.wg.Wait()
	return f.pool.FlushAll()
}
