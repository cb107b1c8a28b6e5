package providers

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"
)

func TestStaticTokenSource_RejectsPlaceholderToken(t *testing.T) {
	src := NewStaticTokenSource("<OPENROUTER_API_KEY>", "providers.openrouter.api_key")
	if _, err := src.Token(context.Background()); err == nil {
		t.Fatalf("expected placeholder token to be rejected")
	}
}

func TestStaticTokenSource_RejectsEnvReferenceToken(t *testing.T) {
	src := NewStaticTokenSource("${OPENROUTER_API_KEY}", "providers.openrouter.api_key")
	if _, err := src.Token(context.Background()); err == nil {
		t.Fatalf("expected env reference token to be rejected")
	}
}

func TestStaticTokenSource_Empty(t *testing.T) {
	src := NewStaticTokenSource("  ", "")
	if _, err := src.Token(context.Background()); err == nil {
		t.Fatalf("expected empty token error")
	}
	if src.Source() != "static" {
		t.Fatalf("expected default source name, got %q", src.Source())
	}
}

func TestFileTokenSource_PlainTokenFile(t *testing.T) {
	tokenFile := filepath.Join(t.TempDir(), "key.txt")
	if err := os.WriteFile(tokenFile, []byte("sk-or-123\n"), 0o600); err != nil {
		t.Fatalf("write token file: %v", err)
	}

	got, err := NewFileTokenSource(tokenFile).Token(context.Background())
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if got != "sk-or-123" {
		t.Fatalf("expected trimmed token, got %q", got)
	}
}

func TestFileTokenSource_EmptyFile(t *testing.T) {
	tokenFile := filepath.Join(t.TempDir(), "key.txt")
	if err := os.WriteFile(tokenFile, []byte("\n"), 0o600); err != nil {
		t.Fatalf("write token file: %v", err)
	}
	if _, err := NewFileTokenSource(tokenFile).Token(context.Background()); err == nil {
		t.Fatalf("expected empty token file error")
	}
}

func TestBearerAuth_SetsHeader(t *testing.T) {
	req, err := http.NewRequest(http.MethodPost, "http://example.invalid", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if err := NewBearerAuth(NewStaticTokenSource("abc", "test")).Apply(context.Background(), req); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := req.Header.Get("Authorization"); got != "Bearer abc" {
		t.Fatalf("unexpected auth header %q", got)
	}
}
