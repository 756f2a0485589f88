// Package stream writes chat-completion chunks over server-sent events.
// One Writer serves one request: every chunk carries the same completion ID
// and creation timestamp, and the stream always ends with a stop chunk
// carrying usage, then the [DONE] sentinel.
package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"toolhub/internal/logging"
)

// Chunk is one chat.completion.chunk frame.
type Chunk struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// Choice carries the delta for choice index 0. FinishReason is null until
// the final chunk, where it is "stop".
type Choice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// Delta is the incremental message content.
type Delta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// Usage is the token accounting attached to the final chunk. Counts are
// estimated at four characters per token.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

const (
	objectChunk  = "chat.completion.chunk"
	doneSentinel = "data: [DONE]\n\n"
)

var stopReason = "stop"

// Writer streams one response. Not safe for concurrent use by multiple
// goroutines without external ordering; the hub streams from one goroutine.
type Writer struct {
	mu sync.Mutex

	w     io.Writer
	flush func()

	id      string
	model   string
	created int64

	promptChars     int
	completionChars int

	started  bool
	finished bool
}

// NewWriter starts a stream for one request. The completion ID and created
// timestamp are fixed here and repeated on every chunk.
func NewWriter(w io.Writer, model string) *Writer {
	sw := &Writer{
		w:       w,
		id:      "chatcmpl-" + uuid.NewString(),
		model:   model,
		created: time.Now().Unix(),
		flush:   func() {},
	}
	if f, ok := w.(http.Flusher); ok {
		sw.flush = f.Flush
	}
	logging.Stream("stream %s opened (model %s)", sw.id, model)
	return sw
}

// ID returns the completion ID shared by every chunk of this stream.
func (s *Writer) ID() string { return s.id }

// CountPrompt adds prompt text to the usage estimate. Call once per
// inference that contributed to this response.
func (s *Writer) CountPrompt(text string) {
	s.mu.Lock()
	s.promptChars += len(text)
	s.mu.Unlock()
}

// Send streams one content chunk.
func (s *Writer) Send(content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return fmt.Errorf("stream %s already finished", s.id)
	}
	if err := s.ensureStarted(); err != nil {
		return err
	}
	s.completionChars += len(content)
	return s.writeChunk(Chunk{
		ID:      s.id,
		Object:  objectChunk,
		Created: s.created,
		Model:   s.model,
		Choices: []Choice{{Delta: Delta{Content: content}}},
	})
}

// SendWords streams text one word per chunk, preserving single spacing.
func (s *Writer) SendWords(text string) error {
	words := strings.Fields(text)
	for i, word := range words {
		if i < len(words)-1 {
			word += " "
		}
		if err := s.Send(word); err != nil {
			return err
		}
	}
	return nil
}

// Finish emits the stop chunk with usage and the [DONE] sentinel. Safe to
// call more than once; only the first call writes.
func (s *Writer) Finish() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return nil
	}
	if err := s.ensureStarted(); err != nil {
		return err
	}
	s.finished = true

	usage := &Usage{
		PromptTokens:     estimateTokens(s.promptChars),
		CompletionTokens: estimateTokens(s.completionChars),
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens

	final := Chunk{
		ID:      s.id,
		Object:  objectChunk,
		Created: s.created,
		Model:   s.model,
		Choices: []Choice{{FinishReason: &stopReason}},
		Usage:   usage,
	}
	if err := s.writeChunk(final); err != nil {
		return err
	}
	if _, err := io.WriteString(s.w, doneSentinel); err != nil {
		return fmt.Errorf("write done sentinel: %w", err)
	}
	s.flush()
	logging.StreamDebug("stream %s finished (%d completion tokens)", s.id, usage.CompletionTokens)
	return nil
}

// ensureStarted writes the role chunk that opens every stream. Callers hold
// the lock.
func (s *Writer) ensureStarted() error {
	if s.started {
		return nil
	}
	s.started = true
	return s.writeChunk(Chunk{
		ID:      s.id,
		Object:  objectChunk,
		Created: s.created,
		Model:   s.model,
		Choices: []Choice{{Delta: Delta{Role: "assistant"}}},
	})
}

func (s *Writer) writeChunk(c Chunk) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal chunk: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write chunk: %w", err)
	}
	s.flush()
	return nil
}

func estimateTokens(chars int) int {
	if chars == 0 {
		return 0
	}
	n := chars / 4
	if n == 0 {
		n = 1
	}
	return n
}

// Headers sets the response headers an SSE stream needs. Call before the
// first write.
func Headers(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}
