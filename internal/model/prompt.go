package model

import "time"

// PromptConfig is a versioned extraction prompt. Template carries a single
// {ocr_text} substitution point.
type PromptConfig struct {
	ID        string    `json:"id,omitempty" yaml:"id,omitempty"`
	Version   string    `json:"version" yaml:"version"`
	Template  string    `json:"prompt_template" yaml:"prompt_template"`
	ModelName string    `json:"model_name" yaml:"model_name"`
	Active    bool      `json:"is_active" yaml:"is_active"`
	CreatedAt time.Time `json:"created_at,omitempty" yaml:"-"`
}
