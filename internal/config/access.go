package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const redacted = "********"

// Redacted returns a copy with every credential masked, for display.
func (c *Config) Redacted() *Config {
	out := *c
	out.API.Auth.Tokens = make([]APIToken, len(c.API.Auth.Tokens))
	for i, tok := range c.API.Auth.Tokens {
		out.API.Auth.Tokens[i] = APIToken{Token: mask(tok.Token), Scopes: tok.Scopes}
	}
	out.API.Auth.APIKey = mask(c.API.Auth.APIKey)
	out.Assistant.Providers.OpenAI.APIKey = mask(c.Assistant.Providers.OpenAI.APIKey)
	out.Assistant.Providers.OpenRouter.APIKey = mask(c.Assistant.Providers.OpenRouter.APIKey)
	out.Assistant.Providers.Anthropic.APIKey = mask(c.Assistant.Providers.Anthropic.APIKey)
	return &out
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return redacted
}

// GetPath retrieves a value from the configuration using a dot-notation path.
// Credentials come back masked.
func (c *Config) GetPath(path string) (any, error) {
	if strings.Contains(path, ":") {
		return c.GetEntity(path)
	}

	data, err := yaml.Marshal(c.Redacted())
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}

	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return getValue(m, path)
}

// GetEntity retrieves a named entity by type:name. Only providers are
// addressable.
func (c *Config) GetEntity(address string) (any, error) {
	parts := strings.SplitN(address, ":", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid entity address format %q (expected type:name)", address)
	}

	entityType, name := parts[0], parts[1]
	switch entityType {
	case "provider":
		providers := c.Redacted().Assistant.Providers.ByName()
		if name == "*" {
			return providers, nil
		}
		p, ok := providers[name]
		if !ok {
			return nil, fmt.Errorf("provider %q not found", name)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unsupported entity type %q", entityType)
	}
}

func getValue(m map[string]any, path string) (any, error) {
	parts := strings.Split(path, ".")
	var current any = m

	for _, part := range parts {
		if part == "" {
			continue
		}

		m, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("path %q breaks at %q (not a map)", path, part)
		}

		val, exists := m[part]
		if !exists {
			return nil, fmt.Errorf("path %q: key %q not found", path, part)
		}
		current = val
	}

	return current, nil
}

func findNode(node *yaml.Node, path string, create bool) (*yaml.Node, error) {
	parts := strings.Split(path, ".")
	current := node

	for _, part := range parts {
		if current.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("not a mapping node")
		}

		found := false
		for i := 0; i < len(current.Content); i += 2 {
			if current.Content[i].Value == part {
				current = current.Content[i+1]
				found = true
				break
			}
		}
		if found {
			continue
		}
		if !create {
			return nil, fmt.Errorf("key %q not found", part)
		}

		keyNode := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: part}
		valueNode := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		current.Content = append(current.Content, keyNode, valueNode)
		current = valueNode
	}

	return current, nil
}

// SetPath modifies a scalar at the dot-notation path. With persist, the file
// the config was loaded from is rewritten and reloaded; a change that fails
// validation is rolled back.
func (c *Config) SetPath(path, value string, persist bool) error {
	if c.Path == "" {
		return fmt.Errorf("config was not loaded from a file")
	}

	original, err := os.ReadFile(c.Path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var root yaml.Node
	if err := yaml.Unmarshal(original, &root); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		root = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}}}
	}

	target, err := findNode(root.Content[0], path, true)
	if err != nil {
		return fmt.Errorf("failed to navigate/create path %q: %w", path, err)
	}
	target.Kind = yaml.ScalarNode
	target.Value = value
	target.Tag = guessTag(value)
	target.Content = nil

	candidate, err := yaml.Marshal(&root)
	if err != nil {
		return err
	}

	if _, err := Parse(candidate); err != nil {
		return fmt.Errorf("invalid value for %s: %w", path, err)
	}
	if !persist {
		return nil
	}
	return c.persistWithValidation(original, candidate)
}

func guessTag(v string) string {
	if v == "true" || v == "false" {
		return "!!bool"
	}
	isDigit := true
	for i, c := range v {
		if i == 0 && c == '-' {
			continue
		}
		if c < '0' || c > '9' {
			isDigit = false
			break
		}
	}
	if isDigit && v != "" && v != "-" {
		return "!!int"
	}
	return "!!str"
}

func (c *Config) persistWithValidation(original, candidate []byte) error {
	mode := os.FileMode(0644)
	if info, statErr := os.Stat(c.Path); statErr == nil {
		mode = info.Mode().Perm()
	}

	if err := os.WriteFile(c.Path, candidate, mode); err != nil {
		return fmt.Errorf("failed to persist config change: %w", err)
	}

	if _, err := Load(c.Path); err != nil {
		if restoreErr := os.WriteFile(c.Path, original, mode); restoreErr != nil {
			return fmt.Errorf("validation failed (%v) and rollback failed (%v)", err, restoreErr)
		}
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}
