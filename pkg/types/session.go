// Package types provides the core data types for the agentdeck engine.
package types

// Session represents one conversation session with the backend agent.
// Identity is the ID, assigned by the backend on creation or resume.
type Session struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	WorkingDir       string            `json:"workingDir"`
	CreatedAt        int64             `json:"createdAt"`
	UpdatedAt        int64             `json:"updatedAt"`
	Recipe           *Recipe           `json:"recipe,omitempty"`
	UserRecipeValues map[string]string `json:"userRecipeValues,omitempty"`
}

// Recipe is an opaque session template carried through from the backend.
// The engine never interprets it; templating happens elsewhere.
type Recipe struct {
	Title       string            `json:"title,omitempty"`
	Description string            `json:"description,omitempty"`
	Prompt      string            `json:"prompt,omitempty"`
	Parameters  map[string]string `json:"parameters,omitempty"`
}

// SessionHistory is the payload of a session resume: the session plus its
// full conversation as the backend knows it.
type SessionHistory struct {
	Session      Session    `json:"session"`
	Conversation []Message  `json:"conversation"`
	Tokens       TokenState `json:"tokenState"`
}
