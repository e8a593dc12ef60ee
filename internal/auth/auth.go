package auth

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/zeebo/blake3"
)

// Scopes understood by the bridge API.
const (
	ScopeAll          = "*"
	ScopeCommandsRead = "commands:ro"
	ScopeCommandsRW   = "commands:rw"
	ScopeWorker       = "worker"
	ScopeAssistantRO  = "assistant:ro"
	ScopeAssistantRW  = "assistant:rw"
)

// ScopeInfo describes a scope for operator tooling.
type ScopeInfo struct {
	Scope       string
	Description string
}

// KnownScopes lists every scope in display order.
var KnownScopes = []ScopeInfo{
	{ScopeAll, "Full administrative access, including dangerous plans"},
	{ScopeCommandsRead, "Read command status, history, stats and the event stream"},
	{ScopeCommandsRW, "Submit and requeue commands (implies commands:ro)"},
	{ScopeWorker, "Pull leased commands and report results"},
	{ScopeAssistantRO, "List templates and generate plans"},
	{ScopeAssistantRW, "Execute plans into the queue (implies assistant:ro)"},
}

var knownScopes = func() map[string]bool {
	out := make(map[string]bool, len(KnownScopes))
	for _, s := range KnownScopes {
		out[s.Scope] = true
	}
	return out
}()

// TokenConfig is an API key with a set of scopes.
type TokenConfig struct {
	Token  string
	Scopes []string
}

type Principal struct {
	Token  string
	Scopes map[string]struct{}
}

// ID is a non-secret identifier for the principal, used to key rate limits
// and logs.
func (p Principal) ID() string {
	sum := blake3.Sum256([]byte(p.Token))
	return "key:" + hex.EncodeToString(sum[:6])
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// ExtractToken reads the key from X-API-Key, falling back to an
// Authorization bearer token.
func ExtractToken(r *http.Request) (string, error) {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key, nil
	}
	return ExtractBearerToken(r)
}

func ExtractBearerToken(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", errors.New("missing Authorization header")
	}

	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", errors.New("invalid Authorization header format")
	}

	token := strings.TrimSpace(strings.TrimPrefix(auth, prefix))
	if token == "" {
		return "", errors.New("missing API key")
	}
	return token, nil
}

func constantTimeEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Authenticate matches a presented key against configured tokens.
// If adminKey matches, it authenticates with scope "*".
func Authenticate(presented string, adminKey string, tokens []TokenConfig) (Principal, bool) {
	if constantTimeEqual(presented, adminKey) {
		return Principal{
			Token:  presented,
			Scopes: map[string]struct{}{ScopeAll: {}},
		}, true
	}

	for _, t := range tokens {
		if constantTimeEqual(presented, t.Token) {
			return Principal{
				Token:  presented,
				Scopes: normalizeScopes(t.Scopes),
			}, true
		}
	}
	return Principal{}, false
}

// ValidateScopes rejects scope names the API does not know.
func ValidateScopes(scopes []string) error {
	for _, s := range scopes {
		if !knownScopes[strings.TrimSpace(s)] {
			return fmt.Errorf("unknown scope %q", s)
		}
	}
	return nil
}

// CollapseScopes drops scopes implied by others in the set and returns the
// rest in KnownScopes order. "*" absorbs everything.
func CollapseScopes(scopes []string) []string {
	set := normalizeScopes(scopes)
	if _, ok := set[ScopeAll]; ok {
		return []string{ScopeAll}
	}
	if _, ok := set[ScopeCommandsRW]; ok {
		delete(set, ScopeCommandsRead)
	}
	if _, ok := set[ScopeAssistantRW]; ok {
		delete(set, ScopeAssistantRO)
	}

	out := make([]string, 0, len(set))
	for _, s := range KnownScopes {
		if _, ok := set[s.Scope]; ok {
			out = append(out, s.Scope)
			delete(set, s.Scope)
		}
	}
	for s := range set {
		out = append(out, s)
	}
	return out
}

func normalizeScopes(scopes []string) map[string]struct{} {
	out := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out[s] = struct{}{}
	}

	// Write implies read.
	if _, ok := out[ScopeCommandsRW]; ok {
		out[ScopeCommandsRead] = struct{}{}
	}
	if _, ok := out[ScopeAssistantRW]; ok {
		out[ScopeAssistantRO] = struct{}{}
	}
	return out
}

func HasAnyScope(p Principal, required ...string) bool {
	if len(required) == 0 {
		return true
	}
	if _, ok := p.Scopes[ScopeAll]; ok {
		return true
	}
	for _, s := range required {
		if _, ok := p.Scopes[s]; ok {
			return true
		}
	}
	return false
}
