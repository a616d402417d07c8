package consensus

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"
)

// SampleConfig controls one self-consistency round.
type SampleConfig struct {
	// Samples is k, the number of independent requests.
	Samples int
	// MinTemperature and MaxTemperature bound the diversity settings; the k
	// requests are spread evenly across the range.
	MinTemperature float64
	MaxTemperature float64
	// Concurrency bounds in-flight requests. Zero means Samples.
	Concurrency int
	// Quorum cancels outstanding requests once this many succeeded. Zero
	// waits for every request.
	Quorum int
	// Temperatures, when set, replaces the evenly spread settings.
	Temperatures []float64
}

func DefaultSampleConfig() SampleConfig {
	return SampleConfig{
		Samples:        4,
		MinTemperature: 0.3,
		MaxTemperature: 1.0,
		Concurrency:    4,
	}
}

// Diversity returns one distinct temperature per sample.
func (c SampleConfig) Diversity() []float64 {
	if len(c.Temperatures) > 0 {
		return append([]float64(nil), c.Temperatures...)
	}
	k := c.Samples
	if k <= 0 {
		return nil
	}
	temps := make([]float64, k)
	if k == 1 {
		temps[0] = c.MinTemperature
		return temps
	}
	step := (c.MaxTemperature - c.MinTemperature) / float64(k-1)
	for i := range temps {
		temps[i] = c.MinTemperature + step*float64(i)
	}
	return temps
}

// Sample is one successful request result.
type Sample[T any] struct {
	Index       int
	Temperature float64
	Value       T
}

// SampleFunc performs request i with the given temperature.
type SampleFunc[T any] func(ctx context.Context, index int, temperature float64) (T, error)

// Run issues the configured requests on a bounded pool and returns the
// successful ones ordered by request index. Failed requests are dropped.
func Run[T any](ctx context.Context, cfg SampleConfig, fn SampleFunc[T]) []Sample[T] {
	temps := cfg.Diversity()
	if len(temps) == 0 {
		return nil
	}
	limit := cfg.Concurrency
	if limit <= 0 || limit > len(temps) {
		limit = len(temps)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := semaphore.NewWeighted(int64(limit))
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		out []Sample[T]
	)

	for i, temp := range temps {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(i int, temp float64) {
			defer wg.Done()
			defer sem.Release(1)

			v, err := fn(ctx, i, temp)
			if err != nil {
				return
			}
			mu.Lock()
			out = append(out, Sample[T]{Index: i, Temperature: temp, Value: v})
			if cfg.Quorum > 0 && len(out) >= cfg.Quorum {
				cancel()
			}
			mu.Unlock()
		}(i, temp)
	}
	wg.Wait()

	sort.Slice(out, func(a, b int) bool { return out[a].Index < out[b].Index })
	return out
}
