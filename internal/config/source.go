package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// source resolves a key from the process environment first, then the dotenv file, then
// the YAML file. Empty values fall through to the next layer.
type source struct {
	dotenv map[string]string
	file   map[string]string
}

func newSource() (*source, error) {
	s := &source{}

	envPath := strings.TrimSpace(getenv("APP_ENV_FILE"))
	if envPath == "" {
		envPath = ".env"
	}
	dotenv, err := readDotenv(envPath)
	if err != nil {
		return nil, err
	}
	s.dotenv = dotenv

	cfgPath := strings.TrimSpace(getenv("APP_CONFIG_FILE"))
	if cfgPath == "" {
		cfgPath = dotenv["APP_CONFIG_FILE"]
	}
	if cfgPath != "" {
		file, err := readYAML(cfgPath)
		if err != nil {
			return nil, err
		}
		s.file = file
	}
	return s, nil
}

func (s *source) lookup(key string) string {
	if v := getenv(key); v != "" {
		return v
	}
	if v := s.dotenv[key]; v != "" {
		return v
	}
	return s.file[key]
}

// readDotenv loads the dotenv file. A missing file yields no values.
func readDotenv(path string) (map[string]string, error) {
	values, err := godotenv.Read(path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read env file %s: %w", path, err)
	}
	return values, nil
}

// readYAML loads a flat KEY: value map. Scalars are kept in their YAML spelling and
// sequences are joined with commas.
func readYAML(path string) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}
	var doc map[string]yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	out := make(map[string]string, len(doc))
	for key, node := range doc {
		switch node.Kind {
		case yaml.ScalarNode:
			out[key] = node.Value
		case yaml.SequenceNode:
			parts := make([]string, 0, len(node.Content))
			for _, item := range node.Content {
				if item.Kind != yaml.ScalarNode {
					return nil, fmt.Errorf("config file %s: %s must be a list of scalars", path, key)
				}
				parts = append(parts, item.Value)
			}
			out[key] = strings.Join(parts, ",")
		default:
			return nil, fmt.Errorf("config file %s: %s must be a scalar or list", path, key)
		}
	}
	return out, nil
}
