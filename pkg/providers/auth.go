package providers

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/HensemLin/tenderdesk/pkg/config"
)

// TokenSource returns bearer material for request auth.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Source() string
}

type staticTokenSource struct {
	token  string
	source string
}

func NewStaticTokenSource(token, source string) TokenSource {
	return &staticTokenSource{
		token:  strings.TrimSpace(token),
		source: strings.TrimSpace(source),
	}
}

func (s *staticTokenSource) Token(context.Context) (string, error) {
	tok := strings.TrimSpace(s.token)
	if tok == "" {
		return "", fmt.Errorf("token is empty for %s", s.Source())
	}
	if isPlaceholderToken(tok) {
		return "", fmt.Errorf("token for %s looks like an unfilled placeholder", s.Source())
	}
	return tok, nil
}

func (s *staticTokenSource) Source() string {
	if s.source != "" {
		return s.source
	}
	return "static"
}

// Config files copied from examples often keep "<API_KEY>" or "${API_KEY}".
func isPlaceholderToken(tok string) bool {
	return (strings.HasPrefix(tok, "<") && strings.HasSuffix(tok, ">")) ||
		(strings.HasPrefix(tok, "${") && strings.HasSuffix(tok, "}"))
}

type fileTokenSource struct {
	path string
}

func NewFileTokenSource(path string) TokenSource {
	return &fileTokenSource{path: strings.TrimSpace(path)}
}

func (s *fileTokenSource) Token(context.Context) (string, error) {
	resolved := config.ExpandHome(s.path)
	if resolved == "" {
		return "", fmt.Errorf("token file path is empty")
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", fmt.Errorf("read token file %s: %w", resolved, err)
	}
	tok := strings.TrimSpace(string(data))
	if tok == "" {
		return "", fmt.Errorf("token file %s is empty", resolved)
	}
	return tok, nil
}

func (s *fileTokenSource) Source() string {
	if resolved := config.ExpandHome(s.path); resolved != "" {
		return resolved
	}
	return "token_file"
}

// AuthStrategy applies request auth for provider HTTP calls.
type AuthStrategy interface {
	Apply(ctx context.Context, req *http.Request) error
}

type bearerAuth struct {
	source TokenSource
}

func NewBearerAuth(source TokenSource) AuthStrategy {
	return &bearerAuth{source: source}
}

func (a *bearerAuth) Apply(ctx context.Context, req *http.Request) error {
	if a.source == nil {
		return fmt.Errorf("auth token source is nil")
	}
	tok, err := a.source.Token(ctx)
	if err != nil {
		return fmt.Errorf("resolve auth token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	return nil
}
