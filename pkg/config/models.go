package config

import (
	"strings"

	"github.com/charmbracelet/log"
)

// ModelCatalog is the fixed set of model identifiers clients may select,
// plus the model used when they pick anything else. It is read-only after
// construction and safe for concurrent use.
type ModelCatalog struct {
	models  []string
	allowed map[string]struct{}
	def     string
}

// NewModelCatalog builds a catalog. A default that is missing from allowed
// is added to the front of the list so the normalizer never produces a model
// the catalog itself rejects.
func NewModelCatalog(allowed []string, def string) *ModelCatalog {
	def = strings.TrimSpace(def)
	c := &ModelCatalog{
		models:  make([]string, 0, len(allowed)+1),
		allowed: make(map[string]struct{}, len(allowed)+1),
		def:     def,
	}
	for _, m := range allowed {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		if _, ok := c.allowed[m]; ok {
			continue
		}
		c.allowed[m] = struct{}{}
		c.models = append(c.models, m)
	}
	if def != "" {
		if _, ok := c.allowed[def]; !ok {
			log.Warn("default model not in allowed list, adding it", "model", def)
			c.allowed[def] = struct{}{}
			c.models = append([]string{def}, c.models...)
		}
	}
	return c
}

func (c *ModelCatalog) Allows(model string) bool {
	if c == nil {
		return false
	}
	_, ok := c.allowed[model]
	return ok
}

func (c *ModelCatalog) Default() string {
	if c == nil {
		return ""
	}
	return c.def
}

func (c *ModelCatalog) Models() []string {
	if c == nil {
		return nil
	}
	return append([]string(nil), c.models...)
}

// ParseModelList splits a comma-separated model list, trimming blanks and
// dropping empty entries.
func ParseModelList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
