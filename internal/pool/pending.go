package pool

import (
	"context"
	"sync"

	"github.com/ChuLiYu/scoreload/pkg/types"
)

// Pending is the future outcome of a submitted job. Every caller coalesced
// onto the same job holds the same *Pending and sees the same result.
type Pending struct {
	id     types.JobID
	done   chan struct{}
	once   sync.Once
	result types.ProcessingResult
}

func newPending(id types.JobID) *Pending {
	return &Pending{id: id, done: make(chan struct{})}
}

// JobID returns the job's id.
func (p *Pending) JobID() types.JobID { return p.id }

// Done is closed once the result is available.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Result returns the result without blocking. ok is false until Done closes.
func (p *Pending) Result() (res *types.ProcessingResult, ok bool) {
	select {
	case <-p.done:
		r := p.result
		r.Metadata = r.Metadata.Clone()
		return &r, true
	default:
		return nil, false
	}
}

// Wait blocks until the result is available or ctx is done. A failed job
// returns its result together with the result's error.
func (p *Pending) Wait(ctx context.Context) (*types.ProcessingResult, error) {
	select {
	case <-p.done:
		res, _ := p.Result()
		return res, res.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pending) resolve(res types.ProcessingResult) bool {
	resolved := false
	p.once.Do(func() {
		p.result = res
		close(p.done)
		resolved = true
	})
	return resolved
}
