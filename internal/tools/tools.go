// Package tools defines ADK tool declarations for the memory agent. The
// search_memory tool lets the model recall earlier conversations of the
// invoking user on demand.
package tools

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	adkmemory "google.golang.org/adk/memory"
	"google.golang.org/adk/tool"
	"google.golang.org/adk/tool/functiontool"

	"github.com/easeaico/adk-session-memory/internal/content"
)

// maxMemoryText caps the text of each returned memory, in bytes.
const maxMemoryText = 2000

// Searcher answers memory queries. memory.Service satisfies it.
type Searcher interface {
	Search(ctx context.Context, req *adkmemory.SearchRequest) (*adkmemory.SearchResponse, error)
}

// ToolsConfig holds dependencies for creating tools.
type ToolsConfig struct {
	Memory Searcher
}

// SearchMemoryArgs is the input for search_memory tool.
type SearchMemoryArgs struct {
	Query string `json:"query" jsonschema:"description=Words or a question describing what to recall from earlier conversations"`
}

// MemoryHit is one recalled conversation turn.
type MemoryHit struct {
	Author    string `json:"author"`
	Timestamp string `json:"timestamp"`
	Text      string `json:"text"`
}

// SearchMemoryResult is the output for search_memory tool.
type SearchMemoryResult struct {
	Success bool        `json:"success"`
	Data    []MemoryHit `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// searchMemory runs a query for one user. Failures are reported in the
// result so the model can carry on.
func searchMemory(ctx context.Context, mem Searcher, appName, userID string, args SearchMemoryArgs) SearchMemoryResult {
	query := strings.TrimSpace(args.Query)
	if query == "" {
		return SearchMemoryResult{Success: false, Error: "query is required"}
	}

	resp, err := mem.Search(ctx, &adkmemory.SearchRequest{AppName: appName, UserID: userID, Query: query})
	if err != nil {
		return SearchMemoryResult{Success: false, Error: fmt.Sprintf("failed to search memory: %v", err)}
	}

	var hits []MemoryHit
	for _, m := range resp.Memories {
		text := content.Text(m.Content)
		if text == "" {
			continue
		}
		hit := MemoryHit{Author: m.Author, Text: truncateString(text, maxMemoryText)}
		if !m.Timestamp.IsZero() {
			hit.Timestamp = m.Timestamp.UTC().Format(time.RFC3339)
		}
		hits = append(hits, hit)
	}
	if len(hits) == 0 {
		return SearchMemoryResult{Success: true, Message: "No related memories found."}
	}
	return SearchMemoryResult{Success: true, Data: hits}
}

func createSearchMemoryTool(cfg ToolsConfig) (tool.Tool, error) {
	if cfg.Memory == nil {
		return nil, fmt.Errorf("memory searcher is required")
	}
	handler := func(ctx tool.Context, args SearchMemoryArgs) (SearchMemoryResult, error) {
		return searchMemory(ctx, cfg.Memory, ctx.AppName(), ctx.UserID(), args), nil
	}

	return functiontool.New(functiontool.Config{
		Name:        "search_memory",
		Description: "Search earlier conversations with this user for turns related to the query. Returns who said what and when.",
	}, handler)
}

// BuildTools creates all agent tools with the given configuration.
func BuildTools(cfg ToolsConfig) ([]tool.Tool, error) {
	var tools []tool.Tool

	searchTool, err := createSearchMemoryTool(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create search_memory tool: %w", err)
	}
	tools = append(tools, searchTool)

	return tools, nil
}

// truncateString cuts s to at most limit bytes without splitting a rune.
func truncateString(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}
