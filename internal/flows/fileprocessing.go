// Package flows holds the three example collaborator handlers named in the
// runtime's overview (file processing, validation, concurrent processing).
// They exist to exercise the Handler Registry end to end; none of them
// owns a domain of its own. Non-goal: this package never touches a real
// filesystem or blob store (see DESIGN.md's dropped cloud-storage deps) —
// "file processing" here means transforming an inline document payload.
package flows

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/rezkam/taskqueue/internal/queue"
)

// FileProcessingFlowKind is the flow_kind this handler registers under.
const FileProcessingFlowKind = "file_processing"

type fileProcessingPayload struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

type fileProcessingResult struct {
	Name     string `json:"name"`
	SHA256   string `json:"sha256"`
	ByteSize int    `json:"byte_size"`
}

// NewFileProcessingHandler returns a handler that checksums an inline
// document. It's naturally idempotent: the result is a pure function of
// the payload, so redelivering the same record after a crash produces the
// identical result regardless of how many attempts it took.
func NewFileProcessingHandler() queue.Handler {
	return queue.HandlerFunc(func(hctx queue.HandlerContext, payload []byte) ([]byte, error) {
		var p fileProcessingPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, queue.NonRetryable(fmt.Errorf("invalid file processing payload: %w", err))
		}
		if p.Name == "" {
			return nil, queue.NonRetryable(fmt.Errorf("file processing payload missing name"))
		}

		sum := sha256.Sum256([]byte(p.Content))
		result := fileProcessingResult{
			Name:     p.Name,
			SHA256:   hex.EncodeToString(sum[:]),
			ByteSize: len(p.Content),
		}

		hctx.Logger.InfoContext(hctx, "file processed",
			"record_id", hctx.RecordID, "name", p.Name, "byte_size", result.ByteSize)

		return json.Marshal(result)
	})
}
