package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const accessPoliciesKey = "access-policies"

// SaveAccessPolicies rewrites only the access-policies section of the YAML file at path,
// preserving every other key, comment and ordering in the document.
func SaveAccessPolicies(path string, policies []AccessPolicy) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return fmt.Errorf("save access policies: config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("save access policies: read config: %w", err)
	}

	var root yaml.Node
	if len(bytes.TrimSpace(data)) > 0 {
		if err = yaml.Unmarshal(data, &root); err != nil {
			return fmt.Errorf("save access policies: parse config: %w", err)
		}
	}
	if root.Kind == 0 {
		root = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}}}
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 || root.Content[0].Kind != yaml.MappingNode {
		return fmt.Errorf("save access policies: config root is not a mapping")
	}

	if policies == nil {
		policies = []AccessPolicy{}
	}
	var value yaml.Node
	if err = value.Encode(policies); err != nil {
		return fmt.Errorf("save access policies: encode: %w", err)
	}

	mapping := root.Content[0]
	replaced := false
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == accessPoliciesKey {
			mapping.Content[i+1] = &value
			replaced = true
			break
		}
	}
	if !replaced {
		mapping.Content = append(mapping.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: accessPoliciesKey},
			&value,
		)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err = enc.Encode(&root); err != nil {
		return fmt.Errorf("save access policies: marshal: %w", err)
	}
	_ = enc.Close()

	tmp, err := os.CreateTemp(filepath.Dir(path), ".config-*.yaml")
	if err != nil {
		return fmt.Errorf("save access policies: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err = tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("save access policies: write temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("save access policies: close temp file: %w", err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("save access policies: replace config: %w", err)
	}
	return nil
}
