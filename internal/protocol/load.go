package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Parse decodes a protocol from YAML or JSON-with-comments, chosen by ext.
func Parse(data []byte, ext string) (Protocol, error) {
	var p Protocol
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &p); err != nil {
			return Protocol{}, fmt.Errorf("parse yaml protocol: %w", err)
		}
	case ".json", ".jsonc":
		dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&p); err != nil {
			return Protocol{}, fmt.Errorf("parse json protocol: %w", err)
		}
	default:
		return Protocol{}, fmt.Errorf("unsupported protocol file extension %q", ext)
	}
	if err := p.Validate(); err != nil {
		return Protocol{}, err
	}
	return p, nil
}

// Load reads one protocol file. A missing name falls back to the file stem.
func Load(path string) (Protocol, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Protocol{}, fmt.Errorf("read protocol: %w", err)
	}
	ext := filepath.Ext(path)
	p, err := Parse(data, ext)
	if err != nil {
		return Protocol{}, fmt.Errorf("%s: %w", path, err)
	}
	if strings.TrimSpace(p.Name) == "" {
		p.Name = strings.TrimSuffix(filepath.Base(path), ext)
	}
	return p, nil
}

// Catalog holds named protocols available to start-calibration.
type Catalog struct {
	byName map[string]Protocol
}

func NewCatalog(protocols ...Protocol) *Catalog {
	c := &Catalog{byName: map[string]Protocol{}}
	for _, p := range protocols {
		c.byName[p.Name] = p
	}
	return c
}

// LoadDir builds a catalog from every protocol file in dir plus the
// built-in default. A missing dir yields only the default.
func LoadDir(dir string) (*Catalog, error) {
	c := NewCatalog(Default())
	if strings.TrimSpace(dir) == "" {
		return c, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return c, nil
		}
		return nil, fmt.Errorf("read protocols dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml", ".json", ".jsonc":
		default:
			continue
		}
		p, err := Load(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		c.byName[p.Name] = p
	}
	return c, nil
}

func (c *Catalog) Get(name string) (Protocol, bool) {
	p, ok := c.byName[strings.TrimSpace(name)]
	return p, ok
}

func (c *Catalog) Names() []string {
	out := make([]string, 0, len(c.byName))
	for name := range c.byName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
