package market

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Registry maps marketplace names to compiled configurations.
type Registry struct {
	mu      sync.RWMutex
	markets map[string]*Config
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{markets: make(map[string]*Config)}
}

// Default returns a registry holding the built-in marketplaces.
func Default() *Registry {
	r := NewRegistry()
	if err := r.Register(Ebay()); err != nil {
		panic(err)
	}
	return r
}

// Register compiles cfg and stores it, replacing any entry with the same name.
func (r *Registry) Register(cfg *Config) error {
	if !cfg.Compiled() {
		if err := cfg.Compile(); err != nil {
			return err
		}
	}
	r.mu.Lock()
	r.markets[strings.ToLower(cfg.Name)] = cfg
	r.mu.Unlock()
	return nil
}

// Lookup returns the configuration for name.
func (r *Registry) Lookup(name string) (*Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.markets[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMarket, name)
	}
	return cfg, nil
}

// Names lists registered marketplaces in lexical order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.markets))
	for name := range r.markets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type marketsFile struct {
	Markets []*Config `yaml:"markets"`
}

// LoadFile registers every marketplace declared in a YAML file:
//
//	markets:
//	  - name: shop
//	    search_url: https://shop.example/search
//	    search_param: q
//	    page_param: page
//	    dialect: css
//	    id_pattern: '/p/(\d+)'
//	    selectors:
//	      item_link: a.product
//	      ...
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read markets file: %w", err)
	}
	var file marketsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("decode markets file %s: %w", path, err)
	}
	for _, cfg := range file.Markets {
		if cfg == nil {
			continue
		}
		if err := r.Register(cfg); err != nil {
			return fmt.Errorf("markets file %s: %w", path, err)
		}
	}
	return nil
}
