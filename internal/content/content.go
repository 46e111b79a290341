// Package content holds the user-facing message catalog.
package content

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed messages.yaml
var defaultMessages []byte

// Catalog resolves dotted keys ("welcome.header") to message templates and
// fills {placeholders}. Vars are available to every message.
type Catalog struct {
	tree map[string]any
	vars map[string]string
}

// Parse reads a YAML catalog.
func Parse(data []byte, vars map[string]string) (*Catalog, error) {
	tree := map[string]any{}
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("parse messages: %w", err)
	}
	if vars == nil {
		vars = map[string]string{}
	}
	return &Catalog{tree: tree, vars: vars}, nil
}

// Default returns the embedded catalog.
func Default(vars map[string]string) *Catalog {
	c, err := Parse(defaultMessages, vars)
	if err != nil {
		panic(err)
	}
	return c
}

// Load reads a catalog file, falling back to the embedded one when path is
// empty.
func Load(path string, vars map[string]string) (*Catalog, error) {
	if path == "" {
		return Default(vars), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b, vars)
}

func (c *Catalog) lookup(key string) (string, bool) {
	var node any = c.tree
	for _, part := range strings.Split(key, ".") {
		m, ok := node.(map[string]any)
		if !ok {
			return "", false
		}
		if node, ok = m[part]; !ok {
			return "", false
		}
	}
	s, ok := node.(string)
	return s, ok
}

// Get renders the message at key. kv are name/value pairs that override the
// catalog vars. Unknown keys render as "MISSING: key".
func (c *Catalog) Get(key string, kv ...any) string {
	tpl, ok := c.lookup(key)
	if !ok {
		return "MISSING: " + key
	}
	pairs := make([]string, 0, 2*len(c.vars)+len(kv))
	// The replacer prefers earlier pairs, so call arguments go first.
	for i := 0; i+1 < len(kv); i += 2 {
		pairs = append(pairs, "{"+fmt.Sprint(kv[i])+"}", fmt.Sprint(kv[i+1]))
	}
	for k, v := range c.vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tpl)
}
