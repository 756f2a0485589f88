package inference

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// fastRetries shrinks the backoff base for the duration of a test.
func fastRetries(t *testing.T) {
	t.Helper()
	old := retryBaseDelay
	retryBaseDelay = time.Millisecond
	t.Cleanup(func() { retryBaseDelay = old })
}

func newOpenAITestClient(serverURL string) *OpenAIClient {
	return NewOpenAIClientWithConfig(OpenAIConfig{
		APIKey:  "test-key",
		BaseURL: serverURL,
		Model:   "gpt-4o-mini",
		Timeout: 5 * time.Second,
	})
}

func TestOpenAIClient_CompleteWithSystem_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/chat/completions" {
			t.Errorf("Expected /chat/completions, got %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Error("Expected test-key authorization")
		}

		var body chatRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("Failed to decode request body: %v", err)
		}
		if len(body.Messages) != 2 {
			t.Fatalf("Expected 2 messages, got %d", len(body.Messages))
		}
		if body.Messages[0].Role != "system" || body.Messages[0].Content != "be terse" {
			t.Errorf("Unexpected system message: %+v", body.Messages[0])
		}
		if body.Messages[1].Role != "user" || body.Messages[1].Content != "hello" {
			t.Errorf("Unexpected user message: %+v", body.Messages[1])
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices": [{"message": {"role": "assistant", "content": "  Hello, world!  "}}]}`))
	}))
	defer server.Close()

	client := newOpenAITestClient(server.URL)
	resp, err := client.CompleteWithSystem(context.Background(), "be terse", "hello")
	if err != nil {
		t.Fatalf("CompleteWithSystem failed: %v", err)
	}
	if resp != "Hello, world!" {
		t.Errorf("Expected trimmed completion, got %q", resp)
	}
}

func TestOpenAIClient_Complete_OmitsSystemMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body chatRequest
		json.NewDecoder(r.Body).Decode(&body)
		if len(body.Messages) != 1 {
			t.Errorf("Expected 1 message, got %d", len(body.Messages))
		} else if body.Messages[0].Role != "user" {
			t.Errorf("Expected user role, got %s", body.Messages[0].Role)
		}
		w.Write([]byte(`{"choices": [{"message": {"content": "ok"}}]}`))
	}))
	defer server.Close()

	client := newOpenAITestClient(server.URL)
	if _, err := client.Complete(context.Background(), "hello"); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
}

func TestOpenAIClient_RetryOn429(t *testing.T) {
	fastRetries(t)

	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"choices": [{"message": {"content": "recovered"}}]}`))
	}))
	defer server.Close()

	client := newOpenAITestClient(server.URL)
	resp, err := client.Complete(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts (2 retries), got %d", attempts)
	}
	if resp != "recovered" {
		t.Errorf("Unexpected response: %q", resp)
	}
}

func TestOpenAIClient_RetryOnServerError(t *testing.T) {
	fastRetries(t)

	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := newOpenAITestClient(server.URL)
	_, err := client.Complete(context.Background(), "hello")
	if err == nil {
		t.Fatal("Expected error after retries exhausted")
	}
	if attempts != maxRetries+1 {
		t.Errorf("Expected %d attempts, got %d", maxRetries+1, attempts)
	}
}

func TestOpenAIClient_NoRetryOnBadRequest(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": {"message": "invalid model"}}`))
	}))
	defer server.Close()

	client := newOpenAITestClient(server.URL)
	_, err := client.Complete(context.Background(), "hello")
	if err == nil {
		t.Fatal("Expected error for 400 response")
	}
	if attempts != 1 {
		t.Errorf("Expected no retry on 400, got %d attempts", attempts)
	}
}

func TestOpenAIClient_APIErrorBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error": {"message": "model overloaded", "type": "server_error"}}`))
	}))
	defer server.Close()

	client := newOpenAITestClient(server.URL)
	_, err := client.Complete(context.Background(), "hello")
	if err == nil {
		t.Fatal("Expected error for error body")
	}
}

func TestOpenAIClient_EmptyChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices": []}`))
	}))
	defer server.Close()

	client := newOpenAITestClient(server.URL)
	_, err := client.Complete(context.Background(), "hello")
	if err == nil {
		t.Fatal("Expected error for empty choices")
	}
}

func TestOpenAIClient_MissingAPIKey(t *testing.T) {
	client := NewOpenAIClientWithConfig(OpenAIConfig{BaseURL: "http://localhost:1"})
	_, err := client.Complete(context.Background(), "hello")
	if err == nil {
		t.Fatal("Expected error for missing API key")
	}
}

func TestOpenAIClient_ContextCancelDuringBackoff(t *testing.T) {
	// Long enough backoff that cancellation wins the race.
	old := retryBaseDelay
	retryBaseDelay = 10 * time.Second
	t.Cleanup(func() { retryBaseDelay = old })

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	client := newOpenAITestClient(server.URL)
	start := time.Now()
	_, err := client.Complete(ctx, "hello")
	if err == nil {
		t.Fatal("Expected error after context cancellation")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Cancellation took too long: %s", elapsed)
	}
}

func TestOpenAIClient_SetModel(t *testing.T) {
	client := NewOpenAIClient("test-key")
	if client.Model() == "" {
		t.Error("Expected default model to be set")
	}
	client.SetModel("gpt-4.1")
	if client.Model() != "gpt-4.1" {
		t.Errorf("Expected model gpt-4.1, got %s", client.Model())
	}
}

func TestOpenAIClient_TrailingSlashBaseURL(t *testing.T) {
	client := NewOpenAIClientWithConfig(OpenAIConfig{
		APIKey:  "k",
		BaseURL: "http://localhost:9999/v1/",
	})
	if client.baseURL != "http://localhost:9999/v1" {
		t.Errorf("Expected trailing slash stripped, got %s", client.baseURL)
	}
}
