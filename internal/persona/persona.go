// Package persona loads the bot's character definition: the system prompt,
// generation parameters, and an optional seed history that primes every
// conversation window.
package persona

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"glovedbot/internal/domain"
)

// Persona describes how the bot speaks and samples.
type Persona struct {
	// SystemPrompt is the instruction text. Either inline or via SystemPromptFile.
	SystemPrompt     string  `yaml:"systemPrompt"`
	SystemPromptFile string  `yaml:"systemPromptFile"`
	Temperature      *float64 `yaml:"temperature"`
	TopP             *float64 `yaml:"topP"`
	TopK             *int     `yaml:"topK"`
	MaxOutputTokens  *int     `yaml:"maxOutputTokens"`
	// SeedHistory is prepended to every conversation window, oldest first.
	SeedHistory []SeedMessage `yaml:"seedHistory"`
}

// SeedMessage is one priming exchange in the persona file.
type SeedMessage struct {
	Role string `yaml:"role"` // "user" or "model"
	Text string `yaml:"text"`
}

// Load reads and validates a persona file. A missing or empty system prompt
// is a hard error: the bot must never run without its character.
func Load(path string) (*Persona, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read persona file %s: %w", path, err)
	}

	var p Persona
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("cannot parse persona file %s: %w", path, err)
	}

	if p.SystemPrompt == "" && p.SystemPromptFile != "" {
		promptPath := p.SystemPromptFile
		if !filepath.IsAbs(promptPath) {
			promptPath = filepath.Join(filepath.Dir(path), promptPath)
		}
		prompt, err := os.ReadFile(promptPath)
		if err != nil {
			return nil, fmt.Errorf("cannot read system prompt file %s: %w", promptPath, err)
		}
		p.SystemPrompt = string(prompt)
	}

	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("persona %s: %w", path, err)
	}
	return &p, nil
}

// Validate checks the persona is usable and fills in sampling defaults.
func (p *Persona) Validate() error {
	if strings.TrimSpace(p.SystemPrompt) == "" {
		return fmt.Errorf("system prompt must not be empty")
	}

	if p.Temperature == nil {
		p.Temperature = float64Ptr(1.4)
	}
	if p.TopP == nil {
		p.TopP = float64Ptr(0.95)
	}
	if p.TopK == nil {
		p.TopK = intPtr(40)
	}
	if p.MaxOutputTokens == nil {
		p.MaxOutputTokens = intPtr(4096)
	}

	if *p.Temperature < 0 || *p.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2")
	}
	if *p.TopP < 0 || *p.TopP > 1 {
		return fmt.Errorf("topP must be between 0 and 1")
	}

	for i, seed := range p.SeedHistory {
		if seed.Role != string(domain.RoleUser) && seed.Role != string(domain.RoleModel) {
			return fmt.Errorf("seedHistory[%d]: role must be %q or %q", i, domain.RoleUser, domain.RoleModel)
		}
		if seed.Text == "" {
			return fmt.Errorf("seedHistory[%d]: text must not be empty", i)
		}
	}
	return nil
}

// SeedEntries converts the seed history to conversation entries.
func (p *Persona) SeedEntries() []domain.Entry {
	if len(p.SeedHistory) == 0 {
		return nil
	}
	entries := make([]domain.Entry, 0, len(p.SeedHistory))
	for _, seed := range p.SeedHistory {
		entries = append(entries, domain.TextEntry(domain.Role(seed.Role), seed.Text))
	}
	return entries
}

func float64Ptr(f float64) *float64 { return &f }
func intPtr(n int) *int             { return &n }
