package sandbox

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Language describes how to build and run programs of one language.
type Language struct {
	Name       string `json:"name"`
	Label      string `json:"label"`
	Image      string `json:"image"`
	Compiler   string `json:"compiler"`
	SourceFile string `json:"source_file"`
	RunCommand string `json:"run_command,omitempty"`
	AssetDir   string `json:"-"`
}

// Job builds the job that runs code with this language's toolchain.
func (l Language) Job(id, folder, code, stdin string, deadline time.Duration) Job {
	return Job{
		ID:         id,
		Deadline:   deadline,
		Folder:     folder,
		Image:      l.Image,
		Compiler:   l.Compiler,
		SourceFile: l.SourceFile,
		RunCommand: l.RunCommand,
		Language:   l.Label,
		AssetDir:   l.AssetDir,
		Code:       code,
		Stdin:      stdin,
	}
}

// Catalog is a read-only set of languages keyed by lower-case name.
type Catalog struct {
	byName map[string]Language
	names  []string
}

// NewCatalog indexes languages. Names must be unique, case-insensitively.
func NewCatalog(languages []Language) (*Catalog, error) {
	c := &Catalog{byName: make(map[string]Language, len(languages))}
	for _, l := range languages {
		key := strings.ToLower(strings.TrimSpace(l.Name))
		if key == "" {
			return nil, fmt.Errorf("language name is required")
		}
		if _, dup := c.byName[key]; dup {
			return nil, fmt.Errorf("duplicate language %q", l.Name)
		}
		if l.Label == "" {
			l.Label = l.Name
		}
		if l.AssetDir == "" {
			l.AssetDir = l.Name
		}
		c.byName[key] = l
		c.names = append(c.names, key)
	}
	sort.Strings(c.names)
	return c, nil
}

// Lookup returns the language registered under name.
func (c *Catalog) Lookup(name string) (Language, bool) {
	l, ok := c.byName[strings.ToLower(strings.TrimSpace(name))]
	return l, ok
}

// Label maps a catalog name to the label jobs are recorded under. Anything
// that is not a catalog name, such as a label, is returned unchanged.
func (c *Catalog) Label(name string) string {
	if l, ok := c.Lookup(name); ok {
		return l.Label
	}
	return name
}

// List returns all languages sorted by name.
func (c *Catalog) List() []Language {
	out := make([]Language, 0, len(c.names))
	for _, n := range c.names {
		out = append(out, c.byName[n])
	}
	return out
}
