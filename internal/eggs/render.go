// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package eggs

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"github.com/juju/errors"
	"gopkg.in/yaml.v3"

	"github.com/canonical/hatchery/core/egg"
)

// cloudConfigHeader marks the payload as cloud-config for the
// cloud-init consumer on the booting machine.
const cloudConfigHeader = "#cloud-config"

// defaultSnapChannel is used when a snap egg does not pin a channel.
const defaultSnapChannel = "stable"

// Render merges the ordered eggs into one cloud-config document. The
// merge is deterministic: the same ordered input yields byte-identical
// output. Key insertion order is preserved; sequences concatenate,
// mappings shallow-merge with later keys winning, scalars override.
func (e *Engine) Render(ordered []*egg.Egg) (string, error) {
	doc := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}

	for _, item := range ordered {
		switch item.Type {
		case egg.TypeCloudInit:
			fragment, err := parseFragment(item)
			if err != nil {
				return "", errors.Trace(err)
			}
			mergeMapping(doc, fragment)
		case egg.TypeSnap:
			appendSnap(doc, item)
		case egg.TypeLXDContainer, egg.TypeLXDVM:
			appendLXDImage(doc, item)
		default:
			return "", errors.NotValidf("egg %q of type %q", item.Name, item.Type)
		}
	}

	blockStyle(doc)

	var buf bytes.Buffer
	buf.WriteString(cloudConfigHeader)
	buf.WriteString("\n")
	if len(doc.Content) > 0 {
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return "", errors.Annotate(err, "encoding cloud-config")
		}
		if err := enc.Close(); err != nil {
			return "", errors.Trace(err)
		}
	}
	if buf.Len() > e.maxRenderedBytes {
		return "", errors.Annotatef(ErrTooLarge, "%d bytes exceeds limit of %d", buf.Len(), e.maxRenderedBytes)
	}
	return buf.String(), nil
}

// Validate is the syntactic check used by upload endpoints: the text
// must parse as YAML with a mapping at the root.
func Validate(text string) error {
	if !utf8.ValidString(text) {
		return errors.Annotate(ErrInvalidCloudInit, "content is not valid UTF-8")
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || trimmed == cloudConfigHeader {
		return nil
	}
	var root yaml.Node
	if err := yaml.Unmarshal([]byte(text), &root); err != nil {
		return errors.Annotate(ErrInvalidCloudInit, err.Error())
	}
	if len(root.Content) == 0 {
		return nil
	}
	if root.Content[0].Kind != yaml.MappingNode {
		return errors.Annotate(ErrInvalidCloudInit, "root is not a mapping")
	}
	return nil
}

func parseFragment(item *egg.Egg) (*yaml.Node, error) {
	content := item.CloudInit.Content
	if !utf8.ValidString(content) {
		return nil, errors.Annotatef(ErrInvalidCloudInit, "egg %q content is not valid UTF-8", item.Name)
	}
	var root yaml.Node
	if err := yaml.Unmarshal([]byte(content), &root); err != nil {
		return nil, errors.Annotatef(ErrInvalidCloudInit, "egg %q: %v", item.Name, err)
	}
	if len(root.Content) == 0 {
		return &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}, nil
	}
	fragment := root.Content[0]
	if fragment.Kind != yaml.MappingNode {
		return nil, errors.Annotatef(ErrInvalidCloudInit, "egg %q root is not a mapping", item.Name)
	}
	return fragment, nil
}

// mergeMapping folds the fragment's top-level keys into doc.
func mergeMapping(doc, fragment *yaml.Node) {
	for i := 0; i+1 < len(fragment.Content); i += 2 {
		key, value := fragment.Content[i], fragment.Content[i+1]
		idx := findKey(doc, key.Value)
		if idx < 0 {
			doc.Content = append(doc.Content, key, value)
			continue
		}
		existing := doc.Content[idx+1]
		switch {
		case existing.Kind == yaml.SequenceNode && value.Kind == yaml.SequenceNode:
			// Concatenate in encounter order, duplicates preserved.
			existing.Content = append(existing.Content, value.Content...)
		case existing.Kind == yaml.MappingNode && value.Kind == yaml.MappingNode:
			// Shallow merge, later keys override earlier.
			for j := 0; j+1 < len(value.Content); j += 2 {
				innerKey, innerValue := value.Content[j], value.Content[j+1]
				innerIdx := findKey(existing, innerKey.Value)
				if innerIdx < 0 {
					existing.Content = append(existing.Content, innerKey, innerValue)
				} else {
					existing.Content[innerIdx+1] = innerValue
				}
			}
		default:
			doc.Content[idx+1] = value
		}
	}
}

func appendSnap(doc *yaml.Node, item *egg.Egg) {
	channel := item.Snap.Channel
	if channel == "" {
		channel = defaultSnapChannel
	}
	entry := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	appendPair(entry, "name", strNode(item.Snap.SnapName))
	appendPair(entry, "channel", strNode(channel))
	if item.Snap.Classic {
		appendPair(entry, "classic", boolNode(true))
	}
	seq := ensureSequence(doc, "snaps")
	seq.Content = append(seq.Content, entry)
}

func appendLXDImage(doc *yaml.Node, item *egg.Egg) {
	entry := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	kind := "container"
	if item.Type == egg.TypeLXDVM {
		kind = "vm"
	}
	appendPair(entry, "type", strNode(kind))
	if item.LXD.ImageAlias != "" {
		appendPair(entry, "alias", strNode(item.LXD.ImageAlias))
	}
	if item.LXD.ImageURL != "" {
		appendPair(entry, "url", strNode(item.LXD.ImageURL))
	}
	if len(item.LXD.Profiles) > 0 {
		profiles := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		for _, p := range item.LXD.Profiles {
			profiles.Content = append(profiles.Content, strNode(p))
		}
		appendPair(entry, "profiles", profiles)
	}

	lxdIdx := findKey(doc, "lxd")
	var lxd *yaml.Node
	if lxdIdx < 0 {
		lxd = &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		doc.Content = append(doc.Content, strNode("lxd"), lxd)
	} else {
		lxd = doc.Content[lxdIdx+1]
	}
	seq := ensureSequence(lxd, "images")
	seq.Content = append(seq.Content, entry)
}

// ensureSequence returns the sequence at the given key of the
// mapping, creating it when absent. A non-sequence value already at
// the key is replaced; the reserved keys belong to the engine.
func ensureSequence(mapping *yaml.Node, key string) *yaml.Node {
	idx := findKey(mapping, key)
	if idx >= 0 {
		if existing := mapping.Content[idx+1]; existing.Kind == yaml.SequenceNode {
			return existing
		}
		seq := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		mapping.Content[idx+1] = seq
		return seq
	}
	seq := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
	mapping.Content = append(mapping.Content, strNode(key), seq)
	return seq
}

func findKey(mapping *yaml.Node, key string) int {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			return i
		}
	}
	return -1
}

func appendPair(mapping *yaml.Node, key string, value *yaml.Node) {
	mapping.Content = append(mapping.Content, strNode(key), value)
}

func strNode(value string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value}
}

func boolNode(value bool) *yaml.Node {
	v := "false"
	if value {
		v = "true"
	}
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!bool", Value: v}
}

// blockStyle strips flow styling recursively so the output is always
// canonical block YAML.
func blockStyle(node *yaml.Node) {
	node.Style = 0
	for _, child := range node.Content {
		blockStyle(child)
	}
}
