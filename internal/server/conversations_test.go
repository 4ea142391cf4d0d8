package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/54b3r/ragpipe-go/internal/store"
)

// fakeConversations is an in-memory ConversationStore.
type fakeConversations struct {
	mu sync.Mutex
	// threads holds messages per key, oldest first.
	threads map[store.ConversationKey][]store.Message
}

func newFakeConversations() *fakeConversations {
	return &fakeConversations{threads: make(map[store.ConversationKey][]store.Message)}
}

func (f *fakeConversations) add(kb, id string, msgs ...store.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := store.ConversationKey{KnowledgeBase: kb, ID: id}
	f.threads[key] = append(f.threads[key], msgs...)
}

func (f *fakeConversations) Conversations(_ context.Context, kb string) ([]store.ConversationSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.ConversationSummary
	for key, msgs := range f.threads {
		if kb != "" && key.KnowledgeBase != kb {
			continue
		}
		out = append(out, store.ConversationSummary{
			KnowledgeBase: key.KnowledgeBase, ID: key.ID, Messages: len(msgs),
			StartedAt: msgs[0].CreatedAt, LastAt: msgs[len(msgs)-1].CreatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastAt.After(out[j].LastAt) })
	return out, nil
}

func (f *fakeConversations) History(_ context.Context, key store.ConversationKey, limit int) ([]store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs, ok := f.threads[key]
	if !ok {
		return nil, fmt.Errorf("store: history: %w", store.ErrConversationNotFound)
	}
	if limit > 0 && limit < len(msgs) {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

func (f *fakeConversations) DeleteConversation(_ context.Context, key store.ConversationKey) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs, ok := f.threads[key]
	if !ok {
		return 0, fmt.Errorf("store: delete conversation: %w", store.ErrConversationNotFound)
	}
	delete(f.threads, key)
	return len(msgs), nil
}

func (f *fakeConversations) ClearConversations(_ context.Context, kb string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for key, msgs := range f.threads {
		if key.KnowledgeBase == kb {
			n += len(msgs)
			delete(f.threads, key)
		}
	}
	return n, nil
}

// fakeCache counts Clear calls.
type fakeCache struct {
	// entries is returned by Clear and then reset.
	entries int
	// err fails Clear when set.
	err error
}

func (f *fakeCache) Clear(context.Context) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	n := f.entries
	f.entries = 0
	return n, nil
}

// newConversationServer builds a server with admin and hr-scoped keys over a
// conversation store holding two hr threads and one finance thread.
func newConversationServer(t *testing.T) (*testServer, *fakeConversations, *fakeCache) {
	t.Helper()
	convs := newFakeConversations()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	convs.add("hr", "c1",
		store.Message{Role: store.RoleUser, Content: "How many vacation days?", CreatedAt: base},
		store.Message{Role: store.RoleAssistant, Content: "Twenty-five.", Sources: []string{"handbook#r1#0"}, Duration: 1500 * time.Millisecond, CreatedAt: base.Add(time.Second)},
	)
	convs.add("hr", "c2", store.Message{Role: store.RoleUser, Content: "Who approves leave?", CreatedAt: base.Add(time.Hour)})
	convs.add("finance", "f1", store.Message{Role: store.RoleUser, Content: "Q3 budget?", CreatedAt: base})

	cache := &fakeCache{entries: 7}
	ts := newTestServerWithConfig(t, &Config{
		APIKey:            adminToken,
		KnowledgeBaseKeys: map[string]string{hrToken: "hr"},
		Conversations:     convs,
		Cache:             cache,
	})
	return ts, convs, cache
}

func TestConversations_List(t *testing.T) {
	t.Parallel()
	ts, _, _ := newConversationServer(t)

	w := ts.doAs(t, adminToken, http.MethodGet, "/api/conversations?knowledge_base=hr", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	list := decodeBody[conversationList](t, w)
	if len(list.Conversations) != 2 || list.Conversations[0].ID != "c2" {
		t.Errorf("expected c2 then c1, got %+v", list.Conversations)
	}

	w = ts.doAs(t, hrToken, http.MethodGet, "/api/conversations", nil)
	if list := decodeBody[conversationList](t, w); len(list.Conversations) != 2 {
		t.Errorf("scoped caller should see only hr threads, got %+v", list.Conversations)
	}

	if w := ts.doAs(t, hrToken, http.MethodGet, "/api/conversations?knowledge_base=finance", nil); w.Code != http.StatusForbidden {
		t.Errorf("scoped caller listing finance: expected 403, got %d", w.Code)
	}

	w = ts.doAs(t, adminToken, http.MethodGet, "/api/conversations?knowledge_base=legal", nil)
	if w.Code != http.StatusOK || w.Body.String() != "{\"conversations\":[]}\n" {
		t.Errorf("empty listing should be an empty array, got %d %s", w.Code, w.Body.String())
	}
}

func TestConversations_History(t *testing.T) {
	t.Parallel()
	ts, _, _ := newConversationServer(t)

	w := ts.doAs(t, hrToken, http.MethodGet, "/api/conversations/c1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	h := decodeBody[conversationHistory](t, w)
	if h.KnowledgeBase != "hr" || h.ID != "c1" || len(h.Messages) != 2 {
		t.Fatalf("unexpected history: %+v", h)
	}
	if h.Messages[0].Role != "user" || h.Messages[1].Role != "assistant" {
		t.Errorf("messages not oldest first: %+v", h.Messages)
	}
	if h.Messages[1].DurationMS != 1500 || len(h.Messages[1].Sources) != 1 {
		t.Errorf("answer metadata lost: %+v", h.Messages[1])
	}

	w = ts.doAs(t, adminToken, http.MethodGet, "/api/conversations/c1?knowledge_base=hr&limit=1", nil)
	if h := decodeBody[conversationHistory](t, w); len(h.Messages) != 1 {
		t.Errorf("limit=1 returned %d messages", len(h.Messages))
	}

	w = ts.doAs(t, adminToken, http.MethodGet, "/api/conversations/c1?knowledge_base=hr&limit=-2", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("negative limit: expected 400, got %d", w.Code)
	}

	w = ts.doAs(t, adminToken, http.MethodGet, "/api/conversations/missing?knowledge_base=hr", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown conversation: expected 404, got %d", w.Code)
	}
	if got := decodeBody[errorResponse](t, w); got.Code != "conversation_not_found" {
		t.Errorf("code = %q", got.Code)
	}

	if w := ts.doAs(t, hrToken, http.MethodGet, "/api/conversations/f1?knowledge_base=finance", nil); w.Code != http.StatusForbidden {
		t.Errorf("scoped caller reading finance: expected 403, got %d", w.Code)
	}
}

func TestConversations_Delete(t *testing.T) {
	t.Parallel()
	ts, convs, _ := newConversationServer(t)

	if w := ts.doAs(t, hrToken, http.MethodDelete, "/api/conversations/f1?knowledge_base=finance", nil); w.Code != http.StatusForbidden {
		t.Errorf("scoped caller deleting finance thread: expected 403, got %d", w.Code)
	}
	if _, ok := convs.threads[store.ConversationKey{KnowledgeBase: "finance", ID: "f1"}]; !ok {
		t.Fatal("finance thread was deleted")
	}

	if w := ts.doAs(t, hrToken, http.MethodDelete, "/api/conversations/c1", nil); w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if w := ts.doAs(t, hrToken, http.MethodDelete, "/api/conversations/c1", nil); w.Code != http.StatusNotFound {
		t.Errorf("second delete: expected 404, got %d", w.Code)
	}
}

func TestConversations_ClearKnowledgeBase(t *testing.T) {
	t.Parallel()
	ts, convs, _ := newConversationServer(t)

	if w := ts.doAs(t, hrToken, http.MethodDelete, "/api/knowledge-bases/finance/conversations", nil); w.Code != http.StatusForbidden {
		t.Errorf("scoped caller clearing finance: expected 403, got %d", w.Code)
	}

	w := ts.doAs(t, hrToken, http.MethodDelete, "/api/knowledge-bases/hr/conversations", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := decodeBody[removedResponse](t, w); got.Removed != 3 {
		t.Errorf("removed = %d, want 3", got.Removed)
	}
	if len(convs.threads) != 1 {
		t.Errorf("only the finance thread should remain, got %d threads", len(convs.threads))
	}
}

func TestCache_Clear(t *testing.T) {
	t.Parallel()
	ts, _, cache := newConversationServer(t)

	if w := ts.doAs(t, hrToken, http.MethodDelete, "/api/cache", nil); w.Code != http.StatusForbidden {
		t.Fatalf("scoped caller flushing the shared cache: expected 403, got %d", w.Code)
	}
	if cache.entries != 7 {
		t.Fatal("cache was flushed by a scoped caller")
	}

	w := ts.doAs(t, adminToken, http.MethodDelete, "/api/cache", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := decodeBody[removedResponse](t, w); got.Removed != 7 {
		t.Errorf("removed = %d, want 7", got.Removed)
	}

	cache.err = errors.New("redis: connection refused")
	if w := ts.doAs(t, adminToken, http.MethodDelete, "/api/cache", nil); w.Code != http.StatusInternalServerError {
		t.Errorf("failing cache: expected 500, got %d", w.Code)
	}
}

func TestMaintenance_NotConfigured(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/conversations"},
		{http.MethodGet, "/api/conversations/c1"},
		{http.MethodDelete, "/api/conversations/c1"},
		{http.MethodDelete, "/api/knowledge-bases/hr/conversations"},
		{http.MethodDelete, "/api/cache"},
	} {
		w := ts.do(t, tc.method, tc.path, nil)
		if w.Code != http.StatusNotImplemented {
			t.Errorf("%s %s: expected 501, got %d", tc.method, tc.path, w.Code)
			continue
		}
		if got := decodeBody[errorResponse](t, w); got.Code != "not_configured" {
			t.Errorf("%s %s: code = %q", tc.method, tc.path, got.Code)
		}
	}
}
