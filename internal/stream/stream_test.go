package stream

import (
	"bufio"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
)

// collect parses every data: frame out of an SSE body, returning the chunks
// and whether the [DONE] sentinel arrived last.
func collect(t *testing.T, body string) ([]Chunk, bool) {
	t.Helper()
	var chunks []Chunk
	done := false

	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			t.Fatalf("non-SSE line %q", line)
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			done = true
			continue
		}
		if done {
			t.Fatal("frame after [DONE]")
		}
		var c Chunk
		if err := json.Unmarshal([]byte(payload), &c); err != nil {
			t.Fatalf("bad chunk %q: %v", payload, err)
		}
		chunks = append(chunks, c)
	}
	return chunks, done
}

func TestStreamFraming(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewWriter(rec, "toolhub-orchestrator")
	w.CountPrompt(strings.Repeat("p", 40))

	if err := w.Send("Hello "); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := w.Send("world"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := w.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	chunks, done := collect(t, rec.Body.String())
	if !done {
		t.Fatal("no [DONE] sentinel")
	}
	// Role chunk, two content chunks, stop chunk.
	if len(chunks) != 4 {
		t.Fatalf("got %d chunks, want 4", len(chunks))
	}

	for i, c := range chunks {
		if c.Object != "chat.completion.chunk" {
			t.Errorf("chunk %d object = %q", i, c.Object)
		}
		if c.ID != chunks[0].ID {
			t.Errorf("chunk %d has id %q, stream opened as %q", i, c.ID, chunks[0].ID)
		}
		if c.Created != chunks[0].Created {
			t.Errorf("chunk %d created = %d, want %d", i, c.Created, chunks[0].Created)
		}
		if c.Model != "toolhub-orchestrator" {
			t.Errorf("chunk %d model = %q", i, c.Model)
		}
		if len(c.Choices) != 1 || c.Choices[0].Index != 0 {
			t.Errorf("chunk %d choices = %+v", i, c.Choices)
		}
	}

	if !strings.HasPrefix(chunks[0].ID, "chatcmpl-") {
		t.Errorf("id = %q", chunks[0].ID)
	}
	if chunks[0].Choices[0].Delta.Role != "assistant" {
		t.Errorf("first chunk delta = %+v, want role chunk", chunks[0].Choices[0].Delta)
	}
	if got := chunks[1].Choices[0].Delta.Content + chunks[2].Choices[0].Delta.Content; got != "Hello world" {
		t.Errorf("assembled content = %q", got)
	}

	for i, c := range chunks[:3] {
		if c.Choices[0].FinishReason != nil {
			t.Errorf("chunk %d finish_reason = %q, want null", i, *c.Choices[0].FinishReason)
		}
		if c.Usage != nil {
			t.Errorf("chunk %d carries usage", i)
		}
	}

	final := chunks[3]
	if final.Choices[0].FinishReason == nil || *final.Choices[0].FinishReason != "stop" {
		t.Error("final chunk is not a stop chunk")
	}
	if final.Usage == nil {
		t.Fatal("final chunk has no usage")
	}
	if final.Usage.PromptTokens != 10 {
		t.Errorf("prompt tokens = %d, want 10 (40 chars / 4)", final.Usage.PromptTokens)
	}
	if final.Usage.CompletionTokens != 2 {
		t.Errorf("completion tokens = %d, want 2 (11 chars / 4)", final.Usage.CompletionTokens)
	}
	if final.Usage.TotalTokens != 12 {
		t.Errorf("total tokens = %d", final.Usage.TotalTokens)
	}
}

func TestSendWordsOneChunkPerWord(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewWriter(rec, "m")

	if err := w.SendWords("The capital of France is Paris."); err != nil {
		t.Fatalf("SendWords: %v", err)
	}
	if err := w.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	chunks, done := collect(t, rec.Body.String())
	if !done {
		t.Fatal("no [DONE]")
	}

	var words []string
	var assembled strings.Builder
	for _, c := range chunks {
		if content := c.Choices[0].Delta.Content; content != "" {
			words = append(words, content)
			assembled.WriteString(content)
		}
	}
	if len(words) != 6 {
		t.Fatalf("got %d content chunks, want one per word (6): %q", len(words), words)
	}
	if assembled.String() != "The capital of France is Paris." {
		t.Errorf("assembled = %q", assembled.String())
	}
}

func TestFinishIsIdempotent(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewWriter(rec, "m")

	if err := w.Send("x"); err != nil {
		t.Fatal(err)
	}
	if err := w.Finish(); err != nil {
		t.Fatal(err)
	}
	before := rec.Body.Len()
	if err := w.Finish(); err != nil {
		t.Fatalf("second Finish: %v", err)
	}
	if rec.Body.Len() != before {
		t.Error("second Finish wrote more data")
	}

	if err := w.Send("y"); err == nil {
		t.Error("Send after Finish did not error")
	}
}

func TestEmptyStreamStillWellFormed(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewWriter(rec, "m")
	if err := w.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	chunks, done := collect(t, rec.Body.String())
	if !done {
		t.Fatal("no [DONE]")
	}
	// Role chunk and stop chunk.
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if chunks[1].Usage == nil || chunks[1].Usage.CompletionTokens != 0 {
		t.Errorf("empty stream usage = %+v", chunks[1].Usage)
	}
}

func TestHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	Headers(rec.Header())
	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("content type = %q", got)
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-cache" {
		t.Errorf("cache control = %q", got)
	}
}
