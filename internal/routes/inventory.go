package routes

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultCategory is assigned to inventory routes declared without one.
const DefaultCategory = "general"

// Inventory is the known API surface of the application under test.
type Inventory struct {
	Routes []Route `yaml:"routes"`
	// Critical holds regular expressions matched against "METHOD path".
	Critical []string `yaml:"critical"`
}

// LoadInventory reads a YAML route inventory file.
func LoadInventory(path string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read route inventory %s: %w", path, err)
	}
	return ParseInventory(data)
}

// ParseInventory decodes and validates a YAML route inventory.
func ParseInventory(data []byte) (*Inventory, error) {
	var inv Inventory
	if err := yaml.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("parse route inventory: %w", err)
	}

	for i := range inv.Routes {
		r := &inv.Routes[i]
		r.Method = strings.ToUpper(strings.TrimSpace(r.Method))
		if r.Method == "" || strings.TrimSpace(r.Path) == "" {
			return nil, fmt.Errorf("route %d: method and path are required", i)
		}
		if r.Category == "" {
			r.Category = DefaultCategory
		}
	}

	for _, pattern := range inv.Critical {
		if _, err := regexp.Compile(pattern); err != nil {
			return nil, fmt.Errorf("critical pattern %q: %w", pattern, err)
		}
	}

	return &inv, nil
}
