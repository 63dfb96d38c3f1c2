package agentrunner

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

// maxPromptFileSize is the maximum allowed prompt file size (1 MiB).
const maxPromptFileSize = 1 << 20

// Prompt is the instruction template for one agent. Files are markdown
// with YAML frontmatter:
//
//	---
//	agent: page-analysis
//	temperature: 0.1
//	---
//	Analyse {{.TargetDomain}} ...
type Prompt struct {
	AgentID     string  `yaml:"agent"`
	System      string  `yaml:"system"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`

	tmpl *template.Template
}

// PromptData is what a prompt template is rendered with.
type PromptData struct {
	AgentID      string
	Description  string
	TargetDomain string
	TenantID     string
	Options      map[string]string
}

// Render executes the template.
func (p *Prompt) Render(data PromptData) (string, error) {
	var b strings.Builder
	if err := p.tmpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("render prompt for %q: %w", p.AgentID, err)
	}
	return b.String(), nil
}

// PromptSet maps agent ids to prompts. The zero value is an empty set.
type PromptSet map[string]*Prompt

// LoadPrompts reads every *.md file in dir. A missing directory yields an
// empty set.
func LoadPrompts(dir string) (PromptSet, error) {
	set := PromptSet{}
	if dir == "" {
		return set, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return set, nil
		}
		return nil, fmt.Errorf("read prompt dir %s: %w", dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		path := filepath.Join(dir, entry.Name())

		info, err := entry.Info()
		if err != nil {
			return nil, fmt.Errorf("stat prompt file %s: %w", path, err)
		}
		if info.Size() > maxPromptFileSize {
			return nil, fmt.Errorf("prompt file %s too large (%d bytes, max %d)", path, info.Size(), maxPromptFileSize)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read prompt file %s: %w", path, err)
		}

		p, err := parsePrompt(string(data))
		if err != nil {
			return nil, fmt.Errorf("parse prompt file %s: %w", path, err)
		}
		if p.AgentID == "" {
			p.AgentID = strings.TrimSuffix(entry.Name(), ".md")
		}
		if _, exists := set[p.AgentID]; exists {
			return nil, fmt.Errorf("duplicate prompt for agent %q in %s", p.AgentID, path)
		}
		set[p.AgentID] = p
	}
	return set, nil
}

// parsePrompt splits a markdown file into frontmatter and template body.
func parsePrompt(content string) (*Prompt, error) {
	content = strings.TrimSpace(content)
	p := &Prompt{}
	body := content

	if strings.HasPrefix(content, "---") {
		parts := strings.SplitN(content[3:], "\n---", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("missing closing frontmatter delimiter")
		}
		if err := yaml.Unmarshal([]byte(parts[0]), p); err != nil {
			return nil, fmt.Errorf("frontmatter: %w", err)
		}
		body = strings.TrimSpace(parts[1])
	}
	if body == "" {
		return nil, fmt.Errorf("empty prompt body")
	}

	tmpl, err := template.New("prompt").Option("missingkey=zero").Parse(body)
	if err != nil {
		return nil, fmt.Errorf("template: %w", err)
	}
	p.tmpl = tmpl
	return p, nil
}
