package flows

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezkam/taskqueue/internal/queue"
)

func testContext(recordID string) queue.HandlerContext {
	return queue.HandlerContext{
		Context:  context.Background(),
		Logger:   slog.Default(),
		RecordID: recordID,
	}
}

func TestFileProcessingHandler_ChecksumsContent(t *testing.T) {
	handler := NewFileProcessingHandler()
	payload, err := json.Marshal(fileProcessingPayload{Name: "a.txt", Content: "hello"})
	require.NoError(t, err)

	out, err := handler.Handle(testContext("rec-1"), payload)
	require.NoError(t, err)

	var result fileProcessingResult
	require.NoError(t, json.Unmarshal(out, &result))
	assert.Equal(t, "a.txt", result.Name)
	assert.Equal(t, 5, result.ByteSize)
	assert.NotEmpty(t, result.SHA256)
}

func TestFileProcessingHandler_SameInputSameOutput(t *testing.T) {
	handler := NewFileProcessingHandler()
	payload, err := json.Marshal(fileProcessingPayload{Name: "a.txt", Content: "hello"})
	require.NoError(t, err)

	first, err := handler.Handle(testContext("rec-1"), payload)
	require.NoError(t, err)
	second, err := handler.Handle(testContext("rec-1"), payload)
	require.NoError(t, err)

	assert.JSONEq(t, string(first), string(second))
}

func TestFileProcessingHandler_MissingNameIsNonRetryable(t *testing.T) {
	handler := NewFileProcessingHandler()
	payload, _ := json.Marshal(fileProcessingPayload{Content: "x"})

	_, err := handler.Handle(testContext("rec-1"), payload)
	require.Error(t, err)
	assert.False(t, queue.IsRetryable(err))
}

func TestValidationHandler_AllFieldsPresent(t *testing.T) {
	handler := NewValidationHandler()
	payload, err := json.Marshal(validationPayload{
		Document:       map[string]any{"name": "x", "age": 1},
		RequiredFields: []string{"name", "age"},
	})
	require.NoError(t, err)

	out, err := handler.Handle(testContext("rec-1"), payload)
	require.NoError(t, err)

	var result validationResult
	require.NoError(t, json.Unmarshal(out, &result))
	assert.True(t, result.Valid)
	assert.Empty(t, result.MissingFields)
}

func TestValidationHandler_MissingFieldsReported(t *testing.T) {
	handler := NewValidationHandler()
	payload, err := json.Marshal(validationPayload{
		Document:       map[string]any{"name": "x"},
		RequiredFields: []string{"name", "age"},
	})
	require.NoError(t, err)

	out, err := handler.Handle(testContext("rec-1"), payload)
	require.NoError(t, err)

	var result validationResult
	require.NoError(t, json.Unmarshal(out, &result))
	assert.False(t, result.Valid)
	assert.Equal(t, []string{"age"}, result.MissingFields)
}

func TestValidationHandler_MalformedPayloadIsNonRetryable(t *testing.T) {
	handler := NewValidationHandler()
	_, err := handler.Handle(testContext("rec-1"), []byte("not json"))
	require.Error(t, err)
	assert.False(t, queue.IsRetryable(err))
}

func TestConcurrentProcessingHandler_ProcessesAllItems(t *testing.T) {
	handler := NewConcurrentProcessingHandler()
	payload, err := json.Marshal(concurrentProcessingPayload{Items: []string{"one", "two", "three"}})
	require.NoError(t, err)

	out, err := handler.Handle(testContext("rec-1"), payload)
	require.NoError(t, err)

	var result concurrentProcessingResult
	require.NoError(t, json.Unmarshal(out, &result))
	require.Len(t, result.Results, 3)
	assert.Equal(t, "one", result.Results[0].Item)
	assert.Equal(t, 3, result.Results[0].Length)
}
