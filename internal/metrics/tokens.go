// Package metrics tracks per-session, per-agent token usage in memory.
package metrics

import "sync"

// AgentUsage holds cumulative token counts for one agent.
type AgentUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// SessionTotals aggregates token usage across a session's agents.
type SessionTotals struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// TokenTracker accumulates token usage per session and agent.
type TokenTracker struct {
	mu    sync.Mutex
	usage map[string]map[string]*AgentUsage
}

// NewTokenTracker creates an empty tracker.
func NewTokenTracker() *TokenTracker {
	return &TokenTracker{usage: make(map[string]map[string]*AgentUsage)}
}

// Record adds one provider call's token counts.
func (t *TokenTracker) Record(sessionID, agent string, promptTokens, completionTokens int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	session, ok := t.usage[sessionID]
	if !ok {
		session = make(map[string]*AgentUsage)
		t.usage[sessionID] = session
	}
	u, ok := session[agent]
	if !ok {
		u = &AgentUsage{}
		session[agent] = u
	}
	u.PromptTokens += promptTokens
	u.CompletionTokens += completionTokens
}

// SessionUsage returns per-agent usage for one session.
func (t *TokenTracker) SessionUsage(sessionID string) map[string]AgentUsage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]AgentUsage)
	for agent, u := range t.usage[sessionID] {
		out[agent] = *u
	}
	return out
}

// Totals sums usage across all of a session's agents.
func (t *TokenTracker) Totals(sessionID string) SessionTotals {
	t.mu.Lock()
	defer t.mu.Unlock()
	var totals SessionTotals
	for _, u := range t.usage[sessionID] {
		totals.PromptTokens += u.PromptTokens
		totals.CompletionTokens += u.CompletionTokens
	}
	totals.TotalTokens = totals.PromptTokens + totals.CompletionTokens
	return totals
}

// ClearSession drops all usage recorded for a session.
func (t *TokenTracker) ClearSession(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.usage, sessionID)
}
