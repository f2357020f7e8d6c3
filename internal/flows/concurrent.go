package flows

import (
	"encoding/json"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/rezkam/taskqueue/internal/queue"
)

// ConcurrentProcessingFlowKind is the flow_kind this handler registers
// under. Demonstrates a handler with its own internal concurrency: one
// goroutine per item, with no limit of its own and outside the runtime's
// max_concurrent (which bounds concurrent records, not work within a
// single record).
const ConcurrentProcessingFlowKind = "concurrent_processing"

type concurrentProcessingPayload struct {
	Items []string `json:"items"`
}

type itemResult struct {
	Item   string `json:"item"`
	Length int    `json:"length"`
}

type concurrentProcessingResult struct {
	Results []itemResult `json:"results"`
}

// NewConcurrentProcessingHandler returns a handler that fans an item list
// out across goroutines and joins the results, cancelling the group (and
// so the runtime's own cancellation token propagates to every in-flight
// item) the moment hctx is cancelled by a lost lease or shutdown drain.
func NewConcurrentProcessingHandler() queue.Handler {
	return queue.HandlerFunc(func(hctx queue.HandlerContext, payload []byte) ([]byte, error) {
		var p concurrentProcessingPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, queue.NonRetryable(fmt.Errorf("invalid concurrent processing payload: %w", err))
		}

		group, ctx := errgroup.WithContext(hctx)
		results := make([]itemResult, len(p.Items))

		for i, item := range p.Items {
			i, item := i, item
			group.Go(func() error {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
				results[i] = itemResult{Item: item, Length: len(item)}
				return nil
			})
		}

		if err := group.Wait(); err != nil {
			return nil, queue.Retryable(fmt.Errorf("concurrent item processing failed: %w", err))
		}

		return json.Marshal(concurrentProcessingResult{Results: results})
	})
}
