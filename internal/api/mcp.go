package api

import (
	"context"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/kbchat/internal/apperr"
	"github.com/kalambet/kbchat/internal/kb"
	"github.com/kalambet/kbchat/internal/pipeline"
	"github.com/kalambet/kbchat/internal/retrieval"
)

// MCPRetriever abstracts category search for the MCP layer.
type MCPRetriever interface {
	RetrieveRelevant(ctx context.Context, categoryName, query string, scope []string, topK int) ([]retrieval.ScoredChunk, error)
}

// MCPAsker abstracts the ask pipeline.
type MCPAsker interface {
	Ask(ctx context.Context, req pipeline.Request) (pipeline.Response, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Categories *kb.Categories
	Retriever  MCPRetriever
	Asker      MCPAsker
}

const maxSearchResults = 50

// NewMCPServer creates an MCP server with the knowledge-base tools and
// resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"kbchat",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("kbchat: ask questions grounded in categorized knowledge-base documents."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("ask_assistant",
			mcp.WithDescription("Ask a question in an existing chat. The answer is grounded in the chat's category and stored in its history."),
			mcp.WithString("chat_id", mcp.Description("Chat ID"), mcp.Required()),
			mcp.WithString("prompt", mcp.Description("The question"), mcp.Required()),
			mcp.WithString("category", mcp.Description("Optional category name; must match the chat's category when it has one")),
			mcp.WithString("prompt_title", mcp.Description("Optional prompt template title")),
		),
		mcpAskAssistant(deps),
	)

	s.AddTool(
		mcp.NewTool("search_category",
			mcp.WithDescription("Return the most relevant document chunks of a category for a query."),
			mcp.WithString("category", mcp.Description("Category name"), mcp.Required()),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpSearchCategory(deps),
	)

	s.AddTool(
		mcp.NewTool("list_categories",
			mcp.WithDescription("List knowledge-base categories with their source counts."),
		),
		mcpListCategories(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"kb://categories",
			"Categories",
			mcp.WithResourceDescription("All categories as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceCategories(deps),
	)

	return s
}

func mcpAskAssistant(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		chatID, err := req.RequireString("chat_id")
		if err != nil {
			return mcpError("chat_id is required"), nil
		}
		prompt, err := req.RequireString("prompt")
		if err != nil {
			return mcpError("prompt is required"), nil
		}

		resp, err := deps.Asker.Ask(ctx, pipeline.Request{
			ChatID:       chatID,
			Prompt:       prompt,
			CategoryName: req.GetString("category", ""),
			PromptTitle:  req.GetString("prompt_title", ""),
			Executor:     "mcp",
		})
		if err != nil {
			return mcpAppError(err), nil
		}
		return mcpJSON(newAskView(resp))
	}
}

type chunkResult struct {
	Source  string  `json:"source"`
	Ordinal int     `json:"ordinal"`
	Text    string  `json:"text"`
	Score   float64 `json:"score"`
}

func mcpSearchCategory(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		category, err := req.RequireString("category")
		if err != nil {
			return mcpError("category is required"), nil
		}
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", retrieval.DefaultTopK)
		if limit <= 0 {
			limit = retrieval.DefaultTopK
		}
		if limit > maxSearchResults {
			limit = maxSearchResults
		}

		if _, err := deps.Categories.Get(ctx, category); err != nil {
			return mcpAppError(err), nil
		}
		chunks, err := deps.Retriever.RetrieveRelevant(ctx, category, query, nil, limit)
		if err != nil {
			return mcpAppError(err), nil
		}

		results := make([]chunkResult, len(chunks))
		for i, c := range chunks {
			results[i] = chunkResult{
				Source:  c.SourceName,
				Ordinal: c.Ordinal,
				Text:    c.Text,
				Score:   c.Score,
			}
		}
		return mcpJSON(results)
	}
}

func mcpListCategories(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		views, err := categoryViews(ctx, deps.Categories)
		if err != nil {
			return mcpAppError(err), nil
		}
		return mcpJSON(views)
	}
}

func mcpResourceCategories(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		views, err := categoryViews(ctx, deps.Categories)
		if err != nil {
			return nil, fmt.Errorf("failed to list categories: %w", err)
		}

		for i := range views {
			views[i].Description = truncateRunes(views[i].Description, 200)
		}

		b, err := json.Marshal(views)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal categories: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func categoryViews(ctx context.Context, categories *kb.Categories) ([]categoryView, error) {
	cats, err := categories.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]categoryView, len(cats))
	for i, c := range cats {
		out[i] = newCategoryView(c)
	}
	return out, nil
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

// mcpAppError reports an application error with its kind tag.
func mcpAppError(err error) *mcp.CallToolResult {
	return mcpError(fmt.Sprintf("%s: %s", apperr.KindOf(err), apperr.PublicMessage(err)))
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
