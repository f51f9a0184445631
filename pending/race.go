package pending

import (
	"context"
	"errors"
	"fmt"
)

// ErrNoCandidates is returned by First when there is nothing to race.
var ErrNoCandidates = errors.New("no candidates to race")

// First waits until one of calls succeeds and returns it. The remaining
// calls are cancelled. If every call fails, the returned error joins all
// causes. ctx bounds the wait; on expiry every call is cancelled.
func First(ctx context.Context, calls ...*Call) (*Call, error) {
	if len(calls) == 0 {
		return nil, ErrNoCandidates
	}

	results := make(chan *Call, len(calls))
	for _, c := range calls {
		c.OnDone(func(done *Call) {
			results <- done
		})
	}

	var errs []error
	for remaining := len(calls); remaining > 0; remaining-- {
		select {
		case c := <-results:
			if c.IsSuccess() {
				cancelOthers(calls, c)
				return c, nil
			}
			errs = append(errs, fmt.Errorf("%s: %w", describe(c), c.Err()))
		case <-ctx.Done():
			cancelOthers(calls, nil)
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("all %d candidates failed: %w", len(calls), errors.Join(errs...))
}

func cancelOthers(calls []*Call, winner *Call) {
	for _, c := range calls {
		if c != winner {
			c.Cancel()
		}
	}
}

func describe(c *Call) string {
	if req := c.Request(); req != nil {
		return req.Recipient.Socket.String()
	}
	return "call"
}
