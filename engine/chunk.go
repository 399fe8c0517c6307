package engine

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// chunk is a contiguous receiver range within one group. Every row of the
// survey belongs to exactly one chunk.
type chunk struct {
	group int
	start int // first receiver index, inclusive
	end   int // last receiver index, exclusive
	rows  int
}

func makeChunks(groups []groupPlan, size int) []chunk {
	var chunks []chunk
	for gi := range groups {
		nRec := len(groups[gi].recs)
		nComp := len(groups[gi].plans)
		for start := 0; start < nRec; start += size {
			end := start + size
			if end > nRec {
				end = nRec
			}
			chunks = append(chunks, chunk{
				group: gi,
				start: start,
				end:   end,
				rows:  (end - start) * nComp,
			})
		}
	}
	return chunks
}

// run executes fn once per chunk, serially or under errgroup workers per the
// engine configuration. fn must confine writes to state owned by its chunk
// index. Cancellation is honored between chunks.
func (b *base) run(ctx context.Context, fn func(ci int, c chunk) error) error {
	var done atomic.Int64
	after := func(c chunk) {
		n := done.Add(int64(c.rows))
		if b.progress != nil {
			b.progress(int(n), b.rows)
		}
	}

	if !b.parallel {
		for ci, c := range b.chunks {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(ci, c); err != nil {
				return err
			}
			after(c)
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.workers)
	for ci, c := range b.chunks {
		ci, c := ci, c
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := fn(ci, c); err != nil {
				return err
			}
			after(c)
			return nil
		})
	}
	return g.Wait()
}

// reduceChunks folds per-chunk accumulators into out in chunk-index order,
// keeping the reduction order identical between serial and parallel runs.
func reduceChunks(out []float64, parts [][]float64) {
	for _, p := range parts {
		if p == nil {
			continue
		}
		for j, v := range p {
			out[j] += v
		}
	}
}
