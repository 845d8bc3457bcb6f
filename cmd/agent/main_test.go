package main

import (
	"strings"
	"testing"

	"github.com/easeaico/adk-session-memory/internal/memory"
)

func TestBuildSystemPrompt(t *testing.T) {
	vector := buildSystemPrompt(memory.StrategyVector)
	if !strings.Contains(vector, "search_memory") {
		t.Errorf("expected the prompt to name the memory tool, got %q", vector)
	}
	if strings.Contains(vector, "matching words") {
		t.Errorf("vector prompt should not carry keyword hints")
	}

	keyword := buildSystemPrompt(memory.StrategyKeyword)
	if !strings.Contains(keyword, "matching words") {
		t.Errorf("expected keyword hints in the keyword prompt, got %q", keyword)
	}
}
