package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

var ErrUnsupportedFormat = errors.New("config: unsupported file format")

// Format is a config file syntax, chosen by file extension.
type Format string

const (
	FormatTOML Format = "toml"
	FormatYAML Format = "yaml"
)

func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return FormatTOML, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, path)
	}
}

// Meta reports which keys a decoded file actually set, so loaders overlay
// only those onto defaults.
type Meta interface {
	IsDefined(key ...string) bool
}

// DecodeFile decodes path into out using the syntax its extension names.
func DecodeFile(path string, out any) (Meta, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	switch format {
	case FormatTOML:
		meta, err := toml.DecodeFile(path, out)
		if err != nil {
			return nil, fmt.Errorf("config parse failed (%s): %w", path, err)
		}
		return &meta, nil
	default:
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config load failed (%s): %w", path, err)
		}
		meta, err := decodeYAML(data, out)
		if err != nil {
			return nil, fmt.Errorf("config parse failed (%s): %w", path, err)
		}
		return meta, nil
	}
}

type yamlMeta map[string]struct{}

func (m yamlMeta) IsDefined(key ...string) bool {
	_, ok := m[strings.Join(key, ".")]
	return ok
}

func decodeYAML(data []byte, out any) (yamlMeta, error) {
	meta := yamlMeta{}
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, err
	}
	if len(root.Content) == 0 {
		return meta, nil
	}
	doc := root.Content[0]
	if doc.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("top level must be a mapping")
	}
	if err := doc.Decode(out); err != nil {
		return nil, err
	}
	collectYAMLKeys(doc, "", meta)
	return meta, nil
}

func collectYAMLKeys(node *yaml.Node, prefix string, into yamlMeta) {
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		if prefix != "" {
			key = prefix + "." + key
		}
		into[key] = struct{}{}
		if value := node.Content[i+1]; value.Kind == yaml.MappingNode {
			collectYAMLKeys(value, key, into)
		}
	}
}

// Duration is a time.Duration written as "30s" in both syntaxes.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	d.Duration = v
	return nil
}
