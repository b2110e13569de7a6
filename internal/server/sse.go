package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rakunlabs/at/internal/service"
)

// writeSSEChunk writes one OpenAI-compatible "data: {...}\n\n" frame and
// flushes it immediately so clients see tokens as they arrive (C7).
func writeSSEChunk(w http.ResponseWriter, flusher http.Flusher, chunk ChatCompletionChunk) {
	b, err := json.Marshal(chunk)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", b)
	flusher.Flush()
}

// writeSSEError emits a final chunk carrying an error delta followed by
// [DONE], used when the upstream stream fails mid-flight (spec.md §4.7's
// first-chunk/mid-stream failure handling).
func writeSSEError(w http.ResponseWriter, flusher http.Flusher, chatID, model, msg string) {
	writeSSEChunk(w, flusher, ChatCompletionChunk{
		ID:     chatID,
		Object: "chat.completion.chunk",
		Model:  model,
		Choices: []ChunkChoice{{
			Index: 0,
			Delta: ChunkDelta{Content: fmt.Sprintf("\n\n[error: %s]", msg)},
		}},
	})
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// buildDeltaContent renders a streamed chunk's content for the OpenAI delta
// field. Plain text chunks stay strings (most clients expect that); chunks
// carrying inline images are promoted to the multi-part content array shape
// so OpenAI-compatible clients can render them inline.
func buildDeltaContent(text string, images []service.InlineImage) any {
	if len(images) == 0 {
		if text == "" {
			return nil
		}
		return text
	}

	parts := make([]map[string]any, 0, len(images)+1)
	if text != "" {
		parts = append(parts, map[string]any{"type": "text", "text": text})
	}
	for _, img := range images {
		parts = append(parts, map[string]any{
			"type": "image_url",
			"image_url": map[string]any{
				"url": fmt.Sprintf("data:%s;base64,%s", img.MimeType, img.Data),
			},
		})
	}
	return parts
}
