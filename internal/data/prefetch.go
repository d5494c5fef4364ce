package data

import (
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"

	"imagetune/internal/ai"
)

// Prefetch wraps a Dataset with a background worker that keeps up to depth
// batches decoded ahead of the consumer.
//
// The parallelism is strictly internal: Next and Reset keep the wrapped
// dataset's sequential contract, so the training loop observes the exact same
// batch stream it would without prefetching.
type Prefetch struct {
	inner ai.Dataset
	depth int

	running bool
	batches chan *ai.Batch
	group   *errgroup.Group
}

var _ ai.Dataset = (*Prefetch)(nil)

// NewPrefetch wraps inner; depth is the number of batches buffered ahead.
func NewPrefetch(inner ai.Dataset, depth int) *Prefetch {
	if depth < 1 {
		depth = 1
	}
	return &Prefetch{inner: inner, depth: depth}
}

func (p *Prefetch) start() {
	p.batches = make(chan *ai.Batch, p.depth)
	p.group = &errgroup.Group{}
	p.running = true
	batches := p.batches
	p.group.Go(func() error {
		defer close(batches)
		for {
			batch, err := p.inner.Next()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
			batches <- batch
		}
	})
}

// Next returns the next prefetched batch; io.EOF once the pass is done, or
// the wrapped dataset's failure if it broke mid-pass.
func (p *Prefetch) Next() (*ai.Batch, error) {
	if !p.running {
		p.start()
	}
	batch, ok := <-p.batches
	if !ok {
		p.running = false
		if err := p.group.Wait(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	return batch, nil
}

// Reset drains the worker, resets the wrapped dataset and restarts
// prefetching for the next pass.
func (p *Prefetch) Reset() error {
	if p.running {
		for range p.batches {
			// Discard batches until the worker closes the channel.
		}
		p.running = false
		if err := p.group.Wait(); err != nil {
			return err
		}
	}
	if err := p.inner.Reset(); err != nil {
		return err
	}
	p.start()
	return nil
}

// String implements fmt.Stringer.
func (p *Prefetch) String() string {
	return fmt.Sprintf("prefetch(%s, depth=%d)", p.inner, p.depth)
}
