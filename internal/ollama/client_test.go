package ollama

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

// tagsJSON builds a /api/tags response with the given model names.
func tagsJSON(names ...string) []byte {
	type entry struct {
		Name string `json:"name"`
	}
	type resp struct {
		Models []entry `json:"models"`
	}
	r := resp{}
	for _, n := range names {
		r.Models = append(r.Models, entry{Name: n})
	}
	b, _ := json.Marshal(r)
	return b
}

func TestIsRunning_Up(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(tagsJSON("llama3.1:latest"))
	}))
	defer srv.Close()

	c := New(srv.URL)
	if !c.IsRunning(context.Background()) {
		t.Error("IsRunning() = false, want true")
	}
}

func TestIsRunning_Down(t *testing.T) {
	// Point at a closed server to simulate connection refused.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := New(srv.URL)
	if c.IsRunning(context.Background()) {
		t.Error("IsRunning() = true, want false")
	}
}

func TestModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(tagsJSON("llama3.1:latest", "qwen2.5:latest", "llava:latest"))
	}))
	defer srv.Close()

	models, err := New(srv.URL).Models(context.Background())
	if err != nil {
		t.Fatalf("Models: %v", err)
	}
	want := []string{"llama3.1:latest", "qwen2.5:latest", "llava:latest"}
	if len(models) != len(want) {
		t.Fatalf("got %d models, want %d", len(models), len(want))
	}
	for i, w := range want {
		if models[i] != w {
			t.Errorf("models[%d] = %q, want %q", i, models[i], w)
		}
	}
}

func TestMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(tagsJSON("llama3.1:latest", "qwen2.5:7b"))
	}))
	defer srv.Close()

	missing, err := New(srv.URL).Missing(context.Background(), []string{"llama3.1", "qwen2.5:7b", "qwen2.5:14b", "", "mistral", "mistral"})
	if err != nil {
		t.Fatalf("Missing: %v", err)
	}
	if len(missing) != 2 || missing[0] != "qwen2.5:14b" || missing[1] != "mistral" {
		t.Errorf("missing = %v, want [qwen2.5:14b mistral]", missing)
	}
}

func TestMissing_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	if _, err := New(srv.URL).Missing(context.Background(), []string{"llama3.1"}); err == nil {
		t.Fatal("expected error for 500")
	}
}

func TestChat_PlainText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		resp := chatResponse{
			Message: Message{Role: "assistant", Content: "Invoice INV-7 from Acme."},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := New(srv.URL)
	result, err := c.Chat(context.Background(), "llama3.1", []Message{
		{Role: "user", Content: "Summarize this invoice"},
	}, nil, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if result != "Invoice INV-7 from Acme." {
		t.Errorf("result = %q, want %q", result, "Invoice INV-7 from Acme.")
	}
}

func TestChat_FormatAndOptions(t *testing.T) {
	var captured chatRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		json.NewDecoder(r.Body).Decode(&captured)

		resp := chatResponse{
			Message: Message{Role: "assistant", Content: `{"invoiceNumber":"INV-1"}`},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := New(srv.URL)
	schema := map[string]any{
		"type":       "object",
		"properties": map[string]any{"invoiceNumber": map[string]any{"type": "string"}},
	}

	result, err := c.Chat(context.Background(), "llama3.1", []Message{
		{Role: "system", Content: "You are a data extraction expert."},
		{Role: "user", Content: "extract"},
	}, schema, &Options{Temperature: 0.1})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	formatMap, ok := captured.Format.(map[string]any)
	if !ok {
		t.Fatalf("format = %T, want map (schema object)", captured.Format)
	}
	if formatMap["type"] != "object" {
		t.Errorf("format.type = %v, want %q", formatMap["type"], "object")
	}
	if captured.Options == nil || captured.Options.Temperature != 0.1 {
		t.Errorf("options = %+v, want temperature 0.1", captured.Options)
	}
	if len(captured.Messages) != 2 || captured.Messages[0].Role != "system" {
		t.Errorf("messages = %+v, want system then user", captured.Messages)
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(result), &parsed); err != nil {
		t.Errorf("response is not valid JSON: %v", err)
	}
}

func TestChat_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.Chat(context.Background(), "missing", []Message{{Role: "user", Content: "hi"}}, nil, nil)
	if err == nil {
		t.Fatal("expected error for 404")
	}
	if !contains(err.Error(), "model not found") {
		t.Errorf("error = %q, want it to carry the response body", err)
	}
}

func TestPull_Progress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/pull" {
			http.NotFound(w, r)
			return
		}

		// Verify request body.
		var reqBody pullRequest
		json.NewDecoder(r.Body).Decode(&reqBody)
		if reqBody.Name != "llama3.1" {
			t.Errorf("pull model = %q, want %q", reqBody.Name, "llama3.1")
		}

		// Stream progress lines as newline-delimited JSON.
		enc := json.NewEncoder(w)
		enc.Encode(PullProgress{Status: "downloading", Total: 1000, Completed: 500})
		enc.Encode(PullProgress{Status: "downloading", Total: 1000, Completed: 1000})
		enc.Encode(PullProgress{Status: "success"})
	}))
	defer srv.Close()

	c := New(srv.URL)
	var percents []float64
	err := c.Pull(context.Background(), "llama3.1", func(p PullProgress) {
		percents = append(percents, p.Percent())
	})
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}

	if len(percents) != 3 {
		t.Fatalf("received %d progress updates, want 3", len(percents))
	}
	if percents[0] != 50 || percents[1] != 100 || percents[2] != -1 {
		t.Errorf("percents = %v, want [50 100 -1]", percents)
	}
}

func TestPull_StreamedError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"pulling manifest"}` + "\n" + `{"error":"pull model manifest: file does not exist"}` + "\n"))
	}))
	defer srv.Close()

	err := New(srv.URL).Pull(context.Background(), "nope", nil)
	if err == nil || !contains(err.Error(), "file does not exist") {
		t.Fatalf("error = %v, want streamed pull error", err)
	}
}

func TestEnsureReady_OllamaDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := New(srv.URL)
	err := EnsureReady(context.Background(), c, []string{"llama3.1", "llava"}, io.Discard)
	if err == nil {
		t.Fatal("expected error when Ollama is down")
	}

	want := "Ollama is not running"
	if got := err.Error(); !contains(got, want) {
		t.Errorf("error = %q, want it to contain %q", got, want)
	}
}

func contains(s, sub string) bool {
	for i := 0; i <= len(s)-len(sub); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}

func TestEnsureReady_PullsMissingAndWarms(t *testing.T) {
	var pulled []string
	var chats int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			w.Write(tagsJSON("llama3.1:latest"))
		case "/api/pull":
			var req pullRequest
			json.NewDecoder(r.Body).Decode(&req)
			pulled = append(pulled, req.Name)
			json.NewEncoder(w).Encode(PullProgress{Status: "success"})
		case "/api/chat":
			chats++
			json.NewEncoder(w).Encode(chatResponse{Message: Message{Role: "assistant", Content: "pong"}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(srv.URL)
	err := EnsureReady(context.Background(), c, []string{"llama3.1", "qwen2.5", "qwen2.5"}, io.Discard)
	if err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if len(pulled) != 1 || pulled[0] != "qwen2.5" {
		t.Errorf("pulled = %v, want [qwen2.5]", pulled)
	}
	if chats != 1 {
		t.Errorf("warm-up chats = %d, want 1", chats)
	}
}
