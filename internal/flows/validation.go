package flows

import (
	"encoding/json"
	"fmt"

	"github.com/rezkam/taskqueue/internal/queue"
)

// ValidationFlowKind is the flow_kind this handler registers under.
const ValidationFlowKind = "validation"

type validationPayload struct {
	Document       map[string]any `json:"document"`
	RequiredFields []string       `json:"required_fields"`
}

type validationResult struct {
	Valid          bool     `json:"valid"`
	MissingFields  []string `json:"missing_fields,omitempty"`
}

// NewValidationHandler returns a handler that checks a document against a
// list of required top-level fields. A malformed payload is permanent
// (NonRetryable): no amount of retrying fixes bad JSON. A missing-field
// result is still a successful Complete — validation failure is a business
// outcome, not a handler error.
func NewValidationHandler() queue.Handler {
	return queue.HandlerFunc(func(hctx queue.HandlerContext, payload []byte) ([]byte, error) {
		var p validationPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, queue.NonRetryable(fmt.Errorf("invalid validation payload: %w", err))
		}

		var missing []string
		for _, field := range p.RequiredFields {
			if _, ok := p.Document[field]; !ok {
				missing = append(missing, field)
			}
		}

		result := validationResult{Valid: len(missing) == 0, MissingFields: missing}
		return json.Marshal(result)
	})
}
