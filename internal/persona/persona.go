// ABOUTME: Assistant persona and fixed response text, loadable from TOML
// ABOUTME: Compiled-in defaults apply when no persona file is configured

package persona

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Persona holds the assistant's identity and the fixed strings the
// orchestrator emits. All fields have working defaults; a TOML file
// overrides whichever fields it sets.
type Persona struct {
	// Name is the assistant's display name, also matched (any case) by the
	// decision engine's explicit-address heuristic.
	Name string `toml:"name"`

	// System is the generation system prompt.
	System string `toml:"system"`

	// SearchSystem is the generation system prompt for search-augmented
	// replies.
	SearchSystem string `toml:"search_system"`

	// Apology replaces the partial output when generation fails mid-stream.
	Apology string `toml:"apology"`

	// Thinking and Searching are the ephemeral status message texts.
	Thinking  string `toml:"thinking"`
	Searching string `toml:"searching"`
}

// Default returns the built-in persona.
func Default() *Persona {
	return &Persona{
		Name: "Cogni",
		System: "You are Cogni, a helpful and engaging AI assistant in a group chat. " +
			"Provide clear, informative responses while maintaining a natural conversational flow. " +
			"Never include images or image references. Never paste raw URLs into your answer.",
		SearchSystem: "You are Cogni, a helpful AI assistant in a group chat. " +
			"Answer the question first, using the provided search context where relevant. " +
			"Do not list sources yourself; they are appended separately after your answer. " +
			"Never include images or image references. Never paste raw URLs into your answer.",
		Apology:   "Sorry, I had trouble processing that request.",
		Thinking:  "Thinking...",
		Searching: "Searching for information...",
	}
}

// Load reads a persona TOML file over the defaults. An empty path returns
// the defaults unchanged.
func Load(path string) (*Persona, error) {
	p := Default()
	if path == "" {
		return p, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading persona file: %w", err)
	}
	if err := toml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parsing persona file: %w", err)
	}
	if p.Name == "" {
		return nil, fmt.Errorf("persona name must not be empty")
	}
	return p, nil
}
