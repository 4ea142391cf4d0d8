package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/54b3r/ragpipe-go/internal/rag"
)

// noContextNotice replaces the context block when nothing fit the budget.
const noContextNotice = "No context passages were retrieved for this question."

// Generator adapts an eino chat model to rag.Generator.
type Generator struct {
	// model is the backend chat model.
	model model.BaseChatModel
	// name labels callback runs (backend/model).
	name string
	// handlers receive eino callbacks for every generation, e.g. Langfuse.
	handlers []callbacks.Handler
}

// NewGenerator wraps cm. name labels traces; handlers are attached to every
// call.
func NewGenerator(cm model.BaseChatModel, name string, handlers ...callbacks.Handler) (*Generator, error) {
	if cm == nil {
		return nil, errors.New("provider: chat model must not be nil")
	}
	return &Generator{model: cm, name: name, handlers: handlers}, nil
}

// Generate sends the request to the chat model and returns its text answer.
func (g *Generator) Generate(ctx context.Context, req *rag.GenerationRequest) (string, error) {
	if len(g.handlers) > 0 {
		ctx = callbacks.InitCallbacks(ctx, &callbacks.RunInfo{
			Name:      g.name,
			Type:      "ragpipe",
			Component: components.ComponentOfChatModel,
		}, g.handlers...)
	}
	msg, err := g.model.Generate(ctx, BuildMessages(req))
	if err != nil {
		return "", fmt.Errorf("provider: generate: %w", err)
	}
	if msg == nil {
		return "", errors.New("provider: generate: empty response")
	}
	return msg.Content, nil
}

// BuildMessages lays out a generation request as chat messages:
// system prompt, numbered context, prior turns oldest first, then the question.
func BuildMessages(req *rag.GenerationRequest) []*schema.Message {
	msgs := make([]*schema.Message, 0, 3+len(req.History))
	if req.System != "" {
		msgs = append(msgs, schema.SystemMessage(req.System))
	}
	msgs = append(msgs, schema.SystemMessage(FormatContext(req.Context)))
	for _, t := range req.History {
		switch t.Role {
		case "user":
			msgs = append(msgs, schema.UserMessage(t.Content))
		case "assistant":
			msgs = append(msgs, schema.AssistantMessage(t.Content, nil))
		}
	}
	return append(msgs, schema.UserMessage(req.Query))
}

// FormatContext renders the assembled passages with their citation numbers.
func FormatContext(c rag.AssembledContext) string {
	if c.Empty() {
		return noContextNotice
	}
	var b strings.Builder
	b.WriteString("## Context\n\n")
	for i, e := range c.Entries {
		fmt.Fprintf(&b, "[%d] %s", i+1, e.Candidate.Source)
		if e.Candidate.Page > 0 {
			fmt.Fprintf(&b, " (page %d)", e.Candidate.Page)
		}
		b.WriteString("\n")
		b.WriteString(e.Candidate.Text)
		b.WriteString("\n\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
