package server

import (
	"net/http"
	"strconv"

	"github.com/54b3r/ragpipe-go/internal/audit"
	"github.com/54b3r/ragpipe-go/internal/logging"
	"github.com/54b3r/ragpipe-go/internal/store"
)

// handleListConversations handles GET /api/conversations?knowledge_base=kb.
func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	if !s.configured(w, s.conversations != nil, "conversation store") {
		return
	}
	kb, ok := scope(w, r, r.URL.Query().Get("knowledge_base"))
	if !ok {
		return
	}
	list, err := s.conversations.Conversations(r.Context(), kb)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if list == nil {
		list = []store.ConversationSummary{}
	}
	writeJSON(w, http.StatusOK, conversationList{Conversations: list})
}

// handleConversationHistory handles
// GET /api/conversations/{id}?knowledge_base=kb&limit=n. Messages come back
// oldest first; without a limit the whole thread is returned.
func (s *Server) handleConversationHistory(w http.ResponseWriter, r *http.Request) {
	if !s.configured(w, s.conversations != nil, "conversation store") {
		return
	}
	kb, ok := scope(w, r, r.URL.Query().Get("knowledge_base"))
	if !ok {
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	key := store.ConversationKey{KnowledgeBase: kb, ID: r.PathValue("id")}
	msgs, err := s.conversations.History(r.Context(), key, limit)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	out := conversationHistory{KnowledgeBase: kb, ID: key.ID, Messages: make([]messageView, 0, len(msgs))}
	for _, m := range msgs {
		out.Messages = append(out.Messages, messageView{
			Role:       string(m.Role),
			Content:    m.Content,
			Sources:    m.Sources,
			DurationMS: m.Duration.Milliseconds(),
			CreatedAt:  m.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleDeleteConversation handles DELETE /api/conversations/{id}?knowledge_base=kb.
func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	if !s.configured(w, s.conversations != nil, "conversation store") {
		return
	}
	kb, ok := scope(w, r, r.URL.Query().Get("knowledge_base"))
	if !ok {
		return
	}
	key := store.ConversationKey{KnowledgeBase: kb, ID: r.PathValue("id")}
	n, err := s.conversations.DeleteConversation(r.Context(), key)
	s.auditAdmin(r, audit.AdminEvent{Action: audit.ActionConversationDelete, KnowledgeBase: kb, Target: key.ID, Removed: n}, err)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleClearConversations handles DELETE /api/knowledge-bases/{kb}/conversations.
func (s *Server) handleClearConversations(w http.ResponseWriter, r *http.Request) {
	if !s.configured(w, s.conversations != nil, "conversation store") {
		return
	}
	kb := r.PathValue("kb")
	if !permit(w, r, kb) {
		return
	}
	n, err := s.conversations.ClearConversations(r.Context(), kb)
	s.auditAdmin(r, audit.AdminEvent{Action: audit.ActionConversationClear, KnowledgeBase: kb, Removed: n}, err)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, removedResponse{Removed: n})
}

// handleClearCache handles DELETE /api/cache. The cache is shared by every
// knowledge base, so only unscoped callers may flush it.
func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	if !s.configured(w, s.cache != nil, "query cache") {
		return
	}
	n, err := s.cache.Clear(r.Context())
	s.auditAdmin(r, audit.AdminEvent{Action: audit.ActionCacheClear, Removed: n}, err)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, removedResponse{Removed: n})
}

// configured writes 501 when an optional backend is missing.
func (s *Server) configured(w http.ResponseWriter, ok bool, what string) bool {
	if !ok {
		writeError(w, http.StatusNotImplemented, "not_configured", what+" is not configured")
	}
	return ok
}

func (s *Server) auditAdmin(r *http.Request, e audit.AdminEvent, err error) {
	e.Outcome = "ok"
	if err != nil {
		e.Outcome = "error"
	}
	e.Source = clientIP(r)
	e.Principal = principalFrom(r.Context()).Name
	audit.LogAdminEvent(r.Context(), logging.FromContext(r.Context()), e)
}
