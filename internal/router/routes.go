package router

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Route describes one direct upstream.
type Route struct {
	UpstreamURL string `yaml:"upstream_url"`
	Model       string `yaml:"model"`
}

// LoadRoutes reads the per-service upstream table from a YAML file:
//
//	deepseek:
//	  upstream_url: https://api.deepseek.com/chat/completions
//	  model: deepseek-chat
func LoadRoutes(path string) (map[string]Route, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read routes file: %w", err)
	}
	var routes map[string]Route
	if err := yaml.Unmarshal(raw, &routes); err != nil {
		return nil, fmt.Errorf("parse routes file: %w", err)
	}
	for service, route := range routes {
		if route.UpstreamURL == "" {
			return nil, fmt.Errorf("route %s has no upstream_url", service)
		}
	}
	return routes, nil
}
