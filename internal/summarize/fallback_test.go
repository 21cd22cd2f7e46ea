package summarize

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/noteflow/notes-gateway/internal/resilience"
)

type staticTokens struct{ token string }

func (s staticTokens) Token(ctx context.Context) (string, error) {
	return s.token, nil
}

func TestFallbackClientSummarize(t *testing.T) {
	var gotAuth, gotPath, gotText string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		var body summarizeBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		gotText = body.Text
		json.NewEncoder(w).Encode(summarizeResponse{Summary: "Ringkasan rapat"})
	}))
	defer server.Close()

	client := NewFallbackClient(server.URL, time.Second, staticTokens{"tok-abc"}, nil, zerolog.Nop())
	summary, err := client.Summarize(context.Background(), "teks transkrip")
	if err != nil {
		t.Fatalf("summarize failed: %v", err)
	}
	if summary != "Ringkasan rapat" {
		t.Errorf("unexpected summary %q", summary)
	}
	if gotPath != "/summarize" {
		t.Errorf("expected POST /summarize, got %q", gotPath)
	}
	if gotAuth != "Bearer tok-abc" {
		t.Errorf("expected bearer header, got %q", gotAuth)
	}
	if gotText != "teks transkrip" {
		t.Errorf("expected request text forwarded, got %q", gotText)
	}
}

func TestFallbackClientServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		json.NewEncoder(w).Encode(summarizeResponse{Error: "summarizer unavailable"})
	}))
	defer server.Close()

	client := NewFallbackClient(server.URL, time.Second, staticTokens{"tok"}, nil, zerolog.Nop())
	_, err := client.Summarize(context.Background(), "teks")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "summarizer unavailable") {
		t.Errorf("expected server error surfaced, got %v", err)
	}
}

func TestFallbackClientCircuitOpens(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	breaker := resilience.NewCircuitBreaker("test", 1, time.Hour)
	client := NewFallbackClient(server.URL, time.Second, staticTokens{"tok"}, breaker, zerolog.Nop())

	if _, err := client.Summarize(context.Background(), "teks"); err == nil {
		t.Fatal("expected first call to fail")
	}
	_, err := client.Summarize(context.Background(), "teks")
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("expected circuit open, got %v", err)
	}
}
