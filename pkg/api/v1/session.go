// Package v1 contains the wire types of the crewd HTTP API.
package v1

// Agent roles.
const (
	RoleLeader   = "leader"
	RoleTeammate = "teammate"
)

// AgentConfig configures a single agent in the team.
type AgentConfig struct {
	// Name is the session-unique identifier used for routing.
	Name     string `json:"name" yaml:"name"`
	Provider string `json:"provider" yaml:"provider"` // anthropic, openai, kimi, ollama
	Model    string `json:"model" yaml:"model"`
	// SystemPrompt defines this agent's role and behavior.
	SystemPrompt string `json:"system_prompt" yaml:"system_prompt"`
	// Role is leader or teammate. Defaults to teammate.
	Role string `json:"role,omitempty" yaml:"role,omitempty"`
	// Connections lists the agents this agent may message directly.
	Connections []string `json:"connections,omitempty" yaml:"connections,omitempty"`
}

// SessionRequest is the body of POST /api/sessions. Either Agents or
// Preset must be set.
type SessionRequest struct {
	Agents []AgentConfig `json:"agents" binding:"required_without=Preset"`
	// Preset names a saved roster to use when Agents is empty.
	Preset string `json:"preset,omitempty"`
	// APIKeys maps provider name to API key. Keys absent here fall back
	// to environment variables.
	APIKeys map[string]string `json:"api_keys"`
}

// SessionResponse is the body returned by POST /api/sessions.
type SessionResponse struct {
	SessionID string   `json:"session_id"`
	Agents    []string `json:"agents"`
	Status    string   `json:"status"`
}

// ChatRequest is the body of POST /api/sessions/:id/chat.
type ChatRequest struct {
	Message string `json:"message" binding:"required"`
	// TargetAgent routes the message to a specific agent. Defaults to
	// the top leader.
	TargetAgent string `json:"target_agent,omitempty"`
}

// LLMTestRequest is the body of POST /api/llm/test.
type LLMTestRequest struct {
	Provider string `json:"provider" binding:"required"`
	Model    string `json:"model"`
	APIKey   string `json:"api_key"`
}
