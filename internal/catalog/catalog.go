// Package catalog holds the canonical phrases used to classify turns: the
// waiting hints, the operator-handoff phrase, the document-search
// acknowledgement and the closing phrase.
package catalog

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed phrases.yaml
var defaultPhrases []byte

// Catalog is the set of phrases a conversation is classified against.
type Catalog struct {
	Hints             []string `yaml:"hints"`
	HandoffPhrase     string   `yaml:"handoffPhrase"`
	DocumentSearchAck string   `yaml:"documentSearchAck"`
	ClosingPhrase     string   `yaml:"closingPhrase"`
	EndIntents        []string `yaml:"endIntents"`
	FeatureOptions    []string `yaml:"featureOptions"`
}

// Default returns the embedded catalog.
func Default() *Catalog {
	var c Catalog
	if err := yaml.Unmarshal(defaultPhrases, &c); err != nil {
		panic(fmt.Sprintf("catalog: embedded phrases: %v", err))
	}
	return &c
}

// Load reads a YAML file and overlays its non-empty keys on the defaults.
// An empty path returns the defaults.
func Load(path string, logger *slog.Logger) (*Catalog, error) {
	base := Default()
	if path == "" {
		return base, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	var override Catalog
	if err := yaml.Unmarshal(data, &override); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	base.merge(override)
	if logger != nil {
		logger.Info("loaded phrase catalog", "path", path)
	}
	return base, nil
}

func (c *Catalog) merge(o Catalog) {
	if len(o.Hints) > 0 {
		c.Hints = o.Hints
	}
	if o.HandoffPhrase != "" {
		c.HandoffPhrase = o.HandoffPhrase
	}
	if o.DocumentSearchAck != "" {
		c.DocumentSearchAck = o.DocumentSearchAck
	}
	if o.ClosingPhrase != "" {
		c.ClosingPhrase = o.ClosingPhrase
	}
	if len(o.EndIntents) > 0 {
		c.EndIntents = o.EndIntents
	}
	if len(o.FeatureOptions) > 0 {
		c.FeatureOptions = o.FeatureOptions
	}
}

// IsHandoff reports whether text contains the handoff phrase, ignoring case.
func (c *Catalog) IsHandoff(text string) bool {
	if c.HandoffPhrase == "" {
		return false
	}
	return strings.Contains(strings.ToLower(text), strings.ToLower(c.HandoffPhrase))
}

// IsDocumentSearchAck reports whether text is exactly the acknowledgement.
func (c *Catalog) IsDocumentSearchAck(text string) bool {
	return c.DocumentSearchAck != "" && text == c.DocumentSearchAck
}

// IsClosing reports whether text starts with the closing phrase.
func (c *Catalog) IsClosing(text string) bool {
	return c.ClosingPhrase != "" && strings.HasPrefix(text, c.ClosingPhrase)
}

// IsEndIntent reports whether intent ends the conversation on the bot side.
func (c *Catalog) IsEndIntent(intent string) bool {
	return intent != "" && slices.Contains(c.EndIntents, intent)
}
