package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/luxfi/phe"
)

// encryptPool encrypts amounts on a fixed set of worker goroutines.
// Paillier encryption is a modular exponentiation per value, so bulk loads
// are CPU bound and parallelize cleanly.
type encryptPool struct {
	numWorkers   int
	enc          *phe.Encryptor
	successCount atomic.Int64
	failureCount atomic.Int64
}

type encryptJob struct {
	index  int
	amount float64
}

// EncryptAll returns one ciphertext per amount, in order. The first failure
// cancels the remaining work.
func (p *encryptPool) EncryptAll(ctx context.Context, amounts []float64) ([]*phe.Ciphertext, error) {
	out := make([]*phe.Ciphertext, len(amounts))
	if len(amounts) == 0 {
		return out, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan encryptJob)
	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	fail := func(err error) {
		errOnce.Do(func() {
			firstErr = err
			cancel()
		})
	}

	workers := p.numWorkers
	if workers > len(amounts) {
		workers = len(amounts)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				ct, err := p.enc.EncryptAmount(job.amount)
				if err != nil {
					p.failureCount.Add(1)
					fail(fmt.Errorf("encrypt row %d: %w", job.index, err))
					continue
				}
				p.successCount.Add(1)
				out[job.index] = ct
			}
		}()
	}

feed:
	for i, a := range amounts {
		select {
		case jobs <- encryptJob{index: i, amount: a}:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
