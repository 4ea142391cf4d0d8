package server

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/54b3r/ragpipe-go/internal/audit"
	"github.com/54b3r/ragpipe-go/internal/logging"
)

// anonymous is the principal of every request when authentication is off.
const anonymous = "anonymous"

// principal identifies the caller of an API request.
type principal struct {
	// Name is "admin", "kb:<knowledge base>" for a scoped key, or "anonymous".
	Name string
	// KnowledgeBase confines the caller to one knowledge base. Empty means
	// the caller may reach every knowledge base.
	KnowledgeBase string
}

// scoped reports whether the caller is confined to one knowledge base.
func (p principal) scoped() bool { return p.KnowledgeBase != "" }

type principalKey struct{}

func withPrincipal(ctx context.Context, p principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// principalFrom returns the caller stored by the auth middleware.
func principalFrom(ctx context.Context) principal {
	if p, ok := ctx.Value(principalKey{}).(principal); ok {
		return p
	}
	return principal{Name: anonymous}
}

// authenticator resolves Bearer tokens to principals. The admin key reaches
// every knowledge base; each knowledge-base key reaches exactly one.
type authenticator struct {
	// adminKey is the unscoped key. Empty disables it.
	adminKey string
	// kbKeys maps a scoped token to its knowledge base.
	kbKeys map[string]string
}

func newAuthenticator(adminKey string, kbKeys map[string]string) *authenticator {
	return &authenticator{adminKey: adminKey, kbKeys: kbKeys}
}

// enabled reports whether any key is configured.
func (a *authenticator) enabled() bool { return a.adminKey != "" || len(a.kbKeys) > 0 }

// resolve compares token against every configured key in constant time.
func (a *authenticator) resolve(token string) (principal, bool) {
	var (
		match principal
		found bool
	)
	if a.adminKey != "" && subtle.ConstantTimeCompare([]byte(token), []byte(a.adminKey)) == 1 {
		match, found = principal{Name: "admin"}, true
	}
	for key, kb := range a.kbKeys {
		if subtle.ConstantTimeCompare([]byte(token), []byte(key)) == 1 && !found {
			match, found = principal{Name: "kb:" + kb, KnowledgeBase: kb}, true
		}
	}
	return match, found
}

// middleware authenticates the request and stores its principal in the
// context. With no keys configured every caller is anonymous and unscoped.
// Rejections answer 401 with a Bearer challenge and leave an audit record;
// token values are never logged.
func (a *authenticator) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.enabled() {
			next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), principal{Name: anonymous})))
			return
		}

		token := bearerToken(r)
		if token == "" {
			deny(r, "", "missing_token")
			w.Header().Set("WWW-Authenticate", `Bearer realm="ragpipe"`)
			writeError(w, http.StatusUnauthorized, "unauthorized", "authorization required")
			return
		}
		p, ok := a.resolve(token)
		if !ok {
			deny(r, "", "invalid_token")
			w.Header().Set("WWW-Authenticate", `Bearer realm="ragpipe" error="invalid_token"`)
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), p)))
	})
}

// scope resolves the knowledge base a listing or query request targets. A
// scoped caller that names no knowledge base is narrowed to its own; naming
// another one is rejected with 403.
func scope(w http.ResponseWriter, r *http.Request, requested string) (string, bool) {
	p := principalFrom(r.Context())
	if !p.scoped() {
		return requested, true
	}
	if requested == "" || requested == p.KnowledgeBase {
		return p.KnowledgeBase, true
	}
	forbid(w, r, requested, "knowledge_base_out_of_scope")
	return "", false
}

// permit checks that the caller may act on a resource stored under
// knowledgeBase, writing 403 when it may not.
func permit(w http.ResponseWriter, r *http.Request, knowledgeBase string) bool {
	p := principalFrom(r.Context())
	if !p.scoped() || p.KnowledgeBase == knowledgeBase {
		return true
	}
	forbid(w, r, knowledgeBase, "knowledge_base_out_of_scope")
	return false
}

// requireAdmin rejects knowledge-base scoped callers from process-wide
// operations such as flushing the query cache.
func requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if !principalFrom(r.Context()).scoped() {
		return true
	}
	forbid(w, r, "", "admin_required")
	return false
}

func forbid(w http.ResponseWriter, r *http.Request, knowledgeBase, reason string) {
	deny(r, knowledgeBase, reason)
	writeError(w, http.StatusForbidden, "forbidden",
		fmt.Sprintf("%s may not access this resource", principalFrom(r.Context()).Name))
}

func deny(r *http.Request, knowledgeBase, reason string) {
	var name string
	if p, ok := r.Context().Value(principalKey{}).(principal); ok {
		name = p.Name
	}
	audit.LogAccessDenied(r.Context(), logging.FromContext(r.Context()), audit.Denial{
		Principal:     name,
		KnowledgeBase: knowledgeBase,
		Route:         r.Pattern,
		Reason:        reason,
		Source:        clientIP(r),
	})
}

// bearerToken extracts the token from an "Authorization: Bearer <token>"
// header. Returns an empty string if the header is absent or malformed.
func bearerToken(r *http.Request) string {
	hdr := r.Header.Get("Authorization")
	if hdr == "" {
		return ""
	}
	parts := strings.SplitN(hdr, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// ParseKnowledgeBaseKeys parses "kb=token" pairs separated by commas into a
// token to knowledge base map.
func ParseKnowledgeBaseKeys(s string) (map[string]string, error) {
	keys := make(map[string]string)
	for i, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kb, token, ok := strings.Cut(pair, "=")
		kb, token = strings.TrimSpace(kb), strings.TrimSpace(token)
		if !ok || kb == "" || token == "" {
			return nil, fmt.Errorf("server: knowledge base key #%d is malformed (want kb=token)", i+1)
		}
		if prev, dup := keys[token]; dup && prev != kb {
			return nil, fmt.Errorf("server: knowledge bases %q and %q share a key", prev, kb)
		}
		keys[token] = kb
	}
	return keys, nil
}
