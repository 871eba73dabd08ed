package actions

import (
	_ "embed"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/panelgrid/panelgrid/pkg/models"
)

//go:embed actions.yaml
var catalogRawData []byte

// catalogFile is the top-level structure of the catalog YAML.
type catalogFile struct {
	Actions []models.ActionDefinition `yaml:"actions"`
}

// Catalog provides named action definitions. The built-in set is embedded;
// an operator file loaded on top overrides entries with the same name.
type Catalog struct {
	once sync.Once
	err  error

	mu      sync.RWMutex
	actions map[string]*models.ActionDefinition
	names   []string
}

// NewCatalog creates a Catalog that parses the embedded YAML on first access.
func NewCatalog() *Catalog {
	return &Catalog{}
}

// load parses the embedded catalog data.
func (c *Catalog) load() {
	c.actions = make(map[string]*models.ActionDefinition)
	var f catalogFile
	if err := yaml.Unmarshal(catalogRawData, &f); err != nil {
		c.err = fmt.Errorf("catalog: parse embedded yaml: %w", err)
		return
	}
	c.merge(f.Actions)
}

func (c *Catalog) merge(defs []models.ActionDefinition) {
	for i := range defs {
		def := defs[i]
		if _, exists := c.actions[def.Name]; !exists {
			c.names = append(c.names, def.Name)
		}
		c.actions[def.Name] = &def
	}
}

// LoadFile merges an operator-provided catalog file over the embedded set.
func (c *Catalog) LoadFile(path string) error {
	c.once.Do(c.load)
	if c.err != nil {
		return c.err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("catalog: read %q: %w", path, err)
	}
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("catalog: parse %q: %w", path, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.merge(f.Actions)
	return nil
}

// Get returns the named action definition.
func (c *Catalog) Get(name string) (*models.ActionDefinition, bool) {
	c.once.Do(c.load)
	if c.err != nil {
		return nil, false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.actions[name]
	return def, ok
}

// Names returns all catalog entry names in load order.
func (c *Catalog) Names() ([]string, error) {
	c.once.Do(c.load)
	if c.err != nil {
		return nil, c.err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.names))
	copy(out, c.names)
	return out, nil
}
