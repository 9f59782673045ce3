package vfscrypt

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// ParallelConfig controls parallel chunk processing
type ParallelConfig struct {
	// Enabled enables parallel chunk processing
	Enabled bool

	// MaxWorkers is the maximum number of worker goroutines
	// If 0, defaults to runtime.NumCPU()
	MaxWorkers int

	// MinChunksForParallel is the minimum number of chunks to use parallel processing
	// Below this threshold, sequential processing is used
	// Defaults to 4
	MinChunksForParallel int
}

// Validate checks if the parallel configuration is valid
func (p *ParallelConfig) Validate() error {
	if !p.Enabled {
		return nil // Nothing to validate if disabled
	}

	if p.MaxWorkers < 0 {
		return errors.New("parallel max workers cannot be negative")
	}
	if p.MaxWorkers > 1024 {
		return errors.New("parallel max workers must not exceed 1024")
	}
	if p.MinChunksForParallel < 0 {
		return errors.New("parallel min chunks threshold cannot be negative")
	}
	if p.MinChunksForParallel > 1000 {
		return errors.New("parallel min chunks threshold must not exceed 1000")
	}

	return nil
}

// DefaultParallelConfig returns the default parallel processing configuration
func DefaultParallelConfig() ParallelConfig {
	return ParallelConfig{
		Enabled:              true,
		MaxWorkers:           runtime.NumCPU(),
		MinChunksForParallel: 4,
	}
}

// chunkJob represents a chunk encryption/decryption job
type chunkJob struct {
	index     uint32
	plaintext []byte
	raw       []byte
}

// EncryptChunks encrypts plaintexts as consecutive chunks starting at first.
// Each worker uses its own clone of m.
func EncryptChunks(m Module, first uint32, plaintexts [][]byte, cfg ParallelConfig) ([][]byte, error) {
	jobs := make([]chunkJob, len(plaintexts))
	for i, p := range plaintexts {
		jobs[i] = chunkJob{index: first + uint32(i), plaintext: p}
	}
	err := runChunkJobs(m, jobs, cfg, func(w Module, job *chunkJob) error {
		raw, err := w.EncryptChunk(job.index, job.plaintext)
		job.raw = raw
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make([][]byte, len(jobs))
	for i := range jobs {
		out[i] = jobs[i].raw
	}
	return out, nil
}

// DecryptChunks decrypts raw chunks expected at consecutive indices starting
// at first. The first failing chunk aborts the batch.
func DecryptChunks(m Module, first uint32, raws [][]byte, cfg ParallelConfig) ([][]byte, error) {
	jobs := make([]chunkJob, len(raws))
	for i, r := range raws {
		jobs[i] = chunkJob{index: first + uint32(i), raw: r}
	}
	err := runChunkJobs(m, jobs, cfg, func(w Module, job *chunkJob) error {
		plaintext, err := w.DecryptChunkAt(job.index, job.raw)
		job.plaintext = plaintext
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make([][]byte, len(jobs))
	for i := range jobs {
		out[i] = jobs[i].plaintext
	}
	return out, nil
}

func runChunkJobs(m Module, jobs []chunkJob, cfg ParallelConfig, fn func(Module, *chunkJob) error) error {
	if len(jobs) == 0 {
		return nil
	}

	minChunks := cfg.MinChunksForParallel
	if minChunks <= 0 {
		minChunks = 4
	}
	if !cfg.Enabled || len(jobs) < minChunks {
		for i := range jobs {
			if err := fn(m, &jobs[i]); err != nil {
				return err
			}
		}
		return nil
	}

	// Determine number of workers
	numWorkers := cfg.MaxWorkers
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	if numWorkers > len(jobs) {
		numWorkers = len(jobs)
	}

	jobChan := make(chan int, len(jobs))
	for i := range jobs {
		jobChan <- i
	}
	close(jobChan)

	// Clone on this goroutine: the first Clone of a keyless module generates
	// the file key, and every worker must share it.
	workers := make([]Module, 0, numWorkers)
	defer func() {
		for _, w := range workers {
			w.Close()
		}
	}()
	for w := 0; w < numWorkers; w++ {
		worker, err := m.Clone()
		if err != nil {
			return err
		}
		workers = append(workers, worker)
	}

	g, ctx := errgroup.WithContext(context.Background())
	for _, worker := range workers {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic in chunk worker: %v", r)
				}
			}()

			for idx := range jobChan {
				if ctx.Err() != nil {
					return nil
				}
				if err := fn(worker, &jobs[idx]); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}
