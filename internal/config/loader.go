package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

// Config files may pull in fragments with a top-level "$include" key (a
// path or list of paths, relative to the including file). Fragments merge
// depth-first, later sources winning key by key, with the including file
// applied last. Environment references expand before parsing.

const includeKey = "$include"

func readTree(path string) (map[string]any, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path is required")
	}
	return readNode(path, nil)
}

func readNode(path string, stack []string) (map[string]any, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	for _, ancestor := range stack {
		if ancestor == abs {
			return nil, fmt.Errorf("config include cycle: %s", strings.Join(append(stack, abs), " -> "))
		}
	}
	stack = append(stack, abs)

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	node, err := parseDocument([]byte(os.ExpandEnv(string(data))), abs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}

	includes, err := popIncludes(node)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}

	tree := map[string]any{}
	for _, inc := range includes {
		if strings.TrimSpace(inc) == "" {
			continue
		}
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(abs), inc)
		}
		fragment, err := readNode(inc, stack)
		if err != nil {
			return nil, err
		}
		tree = overlay(tree, fragment)
	}
	return overlay(tree, node), nil
}

// parseDocument picks the codec from the file extension: json/json5 get the
// json5 decoder (comments and trailing commas allowed), everything else is
// treated as a single-document YAML file.
func parseDocument(data []byte, path string) (map[string]any, error) {
	node := map[string]any{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".json5":
		if err := json5.Unmarshal(data, &node); err != nil {
			return nil, err
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&node); err != nil {
			if err == io.EOF {
				return map[string]any{}, nil
			}
			return nil, err
		}
		if err := dec.Decode(&struct{}{}); err != io.EOF {
			return nil, fmt.Errorf("expected a single document")
		}
	}
	if node == nil {
		node = map[string]any{}
	}
	return node, nil
}

// popIncludes removes the include directive from the node and returns its
// paths. Both "$include" and bare "include" are honored.
func popIncludes(node map[string]any) ([]string, error) {
	var val any
	for _, key := range []string{includeKey, "include"} {
		if v, ok := node[key]; ok {
			val = v
			delete(node, key)
			break
		}
	}
	switch typed := val.(type) {
	case nil:
		return nil, nil
	case string:
		return []string{typed}, nil
	case []any:
		paths := make([]string, 0, len(typed))
		for _, entry := range typed {
			s, ok := entry.(string)
			if !ok {
				return nil, fmt.Errorf("include entries must be strings, got %T", entry)
			}
			paths = append(paths, s)
		}
		return paths, nil
	default:
		return nil, fmt.Errorf("include must be a path or list of paths, got %T", val)
	}
}

// overlay merges src onto dst. Maps merge recursively; any other value in
// src replaces the dst value outright, including lists.
func overlay(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = map[string]any{}
	}
	for key, value := range src {
		srcMap, srcIsMap := value.(map[string]any)
		dstMap, dstIsMap := dst[key].(map[string]any)
		if srcIsMap && dstIsMap {
			dst[key] = overlay(dstMap, srcMap)
			continue
		}
		dst[key] = value
	}
	return dst
}

// decodeStrict round-trips the merged tree through YAML into the typed
// Config with unknown-field rejection, so a typoed key fails loudly instead
// of silently using a default.
func decodeStrict(tree map[string]any) (*Config, error) {
	payload, err := yaml.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("reserialize config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(payload))
	dec.KnownFields(true)
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}
