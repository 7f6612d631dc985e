package transform

import (
	"context"
	"sync"

	"github.com/ehrsync/ehrsync/internal/sync/provider"
	"github.com/ehrsync/ehrsync/internal/sync/record"
)

// BatchResult pairs one input payload's outcome with its input position.
// Order of the result slice matches the input slice.
type BatchResult struct {
	Record *record.CanonicalRecord
	Err    error
}

// Batch transforms a sequence of vendor payloads with bounded concurrency.
// One bad payload fails its own slot, never the batch. Parallelism below 1
// is treated as 1 so a misconfigured value degrades to serial, not a hang.
func Batch(ctx context.Context, p provider.Type, resourceType string, payloads []map[string]any, parallelism int) []BatchResult {
	if parallelism < 1 {
		parallelism = 1
	}

	results := make([]BatchResult, len(payloads))
	sem := make(chan struct{}, parallelism)
	var wg sync.WaitGroup

	for i, raw := range payloads {
		if ctx.Err() != nil {
			results[i] = BatchResult{Err: ctx.Err()}
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, raw map[string]any) {
			defer wg.Done()
			defer func() { <-sem }()
			rec, err := ToCanonical(p, resourceType, raw)
			results[i] = BatchResult{Record: rec, Err: err}
		}(i, raw)
	}
	wg.Wait()
	return results
}
