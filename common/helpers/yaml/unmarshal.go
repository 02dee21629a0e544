// SPDX-FileCopyrightText: 2023 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

// Package yaml wraps gopkg.in/yaml.v3 and adds the ability to use the
// "!include" tag to split a configuration across several files.
package yaml

import (
	"fmt"
	"io/fs"
	"strings"

	"gopkg.in/yaml.v3"
)

// Unmarshal decodes the first document found within the in byte slice and
// assigns decoded values into the out value.
func Unmarshal(in []byte, out any) error {
	return yaml.Unmarshal(in, out)
}

// UnmarshalWithInclude decodes the provided file from fsys into out. Values
// tagged with "!include" are replaced by the content of the named file.
// Top-level keys starting with a dot are ignored and can be used to store
// anchors. A file containing a single mapping with an empty key is replaced
// by the value of this key.
func UnmarshalWithInclude(fsys fs.FS, input string, out any) error {
	var node yaml.Node
	in, err := fs.ReadFile(fsys, input)
	if err != nil {
		return fmt.Errorf("cannot read %s: %w", input, err)
	}
	if err := Unmarshal(in, &node); err != nil {
		return fmt.Errorf("in %s: %w", input, err)
	}

	if node.Kind == yaml.DocumentNode && len(node.Content) > 0 {
		node = *node.Content[0]
	}
	if node.Kind == 0 || node.Kind == yaml.DocumentNode {
		// Empty document
		return nil
	}
	if node.Kind == yaml.MappingNode {
		content := node.Content[:0]
		for i := 0; i+1 < len(node.Content); i += 2 {
			key := node.Content[i]
			if key.Kind == yaml.ScalarNode && key.Tag == "!!str" && strings.HasPrefix(key.Value, ".") {
				continue
			}
			content = append(content, node.Content[i], node.Content[i+1])
		}
		node.Content = content
		if len(node.Content) == 2 {
			key := node.Content[0]
			if key.Kind == yaml.ScalarNode && key.Tag == "!!str" && key.Value == "" {
				node = *node.Content[1]
			}
		}
	}

	todo := []*yaml.Node{&node}
	for len(todo) > 0 {
		current := todo[0]
		todo = todo[1:]
		if current.Tag != "!include" {
			todo = append(todo, current.Content...)
			continue
		}
		if current.Alias != nil || len(current.Content) > 0 {
			return fmt.Errorf("at line %d of %s, !include only accepts a file name", current.Line, input)
		}
		var included yaml.Node
		if err := UnmarshalWithInclude(fsys, current.Value, &included); err != nil {
			return fmt.Errorf("at line %d of %s: %w", current.Line, input, err)
		}
		*current = included
	}

	return node.Decode(out)
}
