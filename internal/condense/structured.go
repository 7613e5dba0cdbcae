package condense

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"ctxbudget/internal/content"
)

type nodeKind int

const (
	nodeScalar nodeKind = iota
	nodeObject
	nodeArray
)

// node is an order-preserving document tree. Scalars keep their literal
// JSON form so numbers and strings round-trip exactly.
type node struct {
	kind   nodeKind
	scalar any
	keys   []string
	values []*node
}

// StructuredStrategy parses JSON or YAML and truncates it by depth, array
// length and key count, re-emitting the same format.
type StructuredStrategy struct {
	maxDepth      int
	maxArrayItems int
	maxObjectKeys int
}

// NewStructuredStrategy creates a StructuredStrategy.
func NewStructuredStrategy(maxDepth, maxArrayItems, maxObjectKeys int) *StructuredStrategy {
	return &StructuredStrategy{
		maxDepth:      maxDepth,
		maxArrayItems: maxArrayItems,
		maxObjectKeys: maxObjectKeys,
	}
}

// Method implements Strategy.
func (s *StructuredStrategy) Method() string { return MethodStructured }

// Condense implements Strategy. Unparseable input returns an error wrapping
// content.ErrParseFailure.
func (s *StructuredStrategy) Condense(text, language string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", errNoStructure
	}

	switch structuredFormat(text, language) {
	case "yaml":
		return s.condenseYAML(text)
	case "jsonc":
		return s.condenseJSON(string(jsonc.ToJSON([]byte(text))))
	default:
		return s.condenseJSON(text)
	}
}

func structuredFormat(text, language string) string {
	switch strings.ToLower(strings.TrimSpace(language)) {
	case "json", "json5":
		return "json"
	case "jsonc":
		return "jsonc"
	case "yaml", "yml":
		return "yaml"
	}
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		return "json"
	}
	return "yaml"
}

func (s *StructuredStrategy) condenseJSON(text string) (string, error) {
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	root, err := decodeJSONNode(dec)
	if err != nil {
		return "", fmt.Errorf("%w: json: %v", content.ErrParseFailure, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("%w: json: trailing data after document", content.ErrParseFailure)
	}
	if root.kind == nodeScalar {
		return "", fmt.Errorf("%w: json: scalar document", content.ErrParseFailure)
	}

	var buf bytes.Buffer
	writeJSON(&buf, s.truncate(root, 0), 0)
	return buf.String(), nil
}

func decodeJSONNode(dec *json.Decoder) (*node, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	switch v := tok.(type) {
	case json.Delim:
		switch v {
		case '{':
			n := &node{kind: nodeObject}
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, ok := keyTok.(string)
				if !ok {
					return nil, fmt.Errorf("object key is %T", keyTok)
				}
				val, err := decodeJSONNode(dec)
				if err != nil {
					return nil, err
				}
				n.keys = append(n.keys, key)
				n.values = append(n.values, val)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return n, nil
		case '[':
			n := &node{kind: nodeArray}
			for dec.More() {
				val, err := decodeJSONNode(dec)
				if err != nil {
					return nil, err
				}
				n.values = append(n.values, val)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return n, nil
		}
		return nil, fmt.Errorf("unexpected delimiter %v", v)
	default:
		return &node{kind: nodeScalar, scalar: v}, nil
	}
}

// truncate returns a copy of n limited to the strategy's depth, array and
// key limits. Containers below the depth limit become placeholder strings.
func (s *StructuredStrategy) truncate(n *node, depth int) *node {
	switch n.kind {
	case nodeObject:
		if depth >= s.maxDepth {
			return &node{kind: nodeScalar, scalar: fmt.Sprintf("<object: %d keys>", len(n.keys))}
		}
		out := &node{kind: nodeObject}
		limit := min(len(n.keys), s.maxObjectKeys)
		for i := 0; i < limit; i++ {
			out.keys = append(out.keys, n.keys[i])
			out.values = append(out.values, s.truncate(n.values[i], depth+1))
		}
		if extra := len(n.keys) - limit; extra > 0 {
			out.keys = append(out.keys, fmt.Sprintf("+%d more", extra))
			out.values = append(out.values, &node{kind: nodeScalar, scalar: "..."})
		}
		return out
	case nodeArray:
		if depth >= s.maxDepth {
			return &node{kind: nodeScalar, scalar: fmt.Sprintf("<array: %d items>", len(n.values))}
		}
		out := &node{kind: nodeArray}
		limit := min(len(n.values), s.maxArrayItems)
		for i := 0; i < limit; i++ {
			out.values = append(out.values, s.truncate(n.values[i], depth+1))
		}
		if extra := len(n.values) - limit; extra > 0 {
			out.values = append(out.values, &node{kind: nodeScalar, scalar: fmt.Sprintf("+%d more", extra)})
		}
		return out
	default:
		return n
	}
}

func writeJSON(buf *bytes.Buffer, n *node, indent int) {
	pad := strings.Repeat("  ", indent)
	switch n.kind {
	case nodeObject:
		if len(n.keys) == 0 {
			buf.WriteString("{}")
			return
		}
		buf.WriteString("{\n")
		for i, k := range n.keys {
			buf.WriteString(pad + "  ")
			writeJSONScalar(buf, k)
			buf.WriteString(": ")
			writeJSON(buf, n.values[i], indent+1)
			if i < len(n.keys)-1 {
				buf.WriteByte(',')
			}
			buf.WriteByte('\n')
		}
		buf.WriteString(pad + "}")
	case nodeArray:
		if len(n.values) == 0 {
			buf.WriteString("[]")
			return
		}
		buf.WriteString("[\n")
		for i, v := range n.values {
			buf.WriteString(pad + "  ")
			writeJSON(buf, v, indent+1)
			if i < len(n.values)-1 {
				buf.WriteByte(',')
			}
			buf.WriteByte('\n')
		}
		buf.WriteString(pad + "]")
	default:
		writeJSONScalar(buf, n.scalar)
	}
}

func writeJSONScalar(buf *bytes.Buffer, v any) {
	if num, ok := v.(json.Number); ok {
		buf.WriteString(num.String())
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		buf.WriteString("null")
		return
	}
	buf.Write(b)
}

func (s *StructuredStrategy) condenseYAML(text string) (string, error) {
	dec := yaml.NewDecoder(strings.NewReader(text))
	var docs []*yaml.Node
	for {
		var doc yaml.Node
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("%w: yaml: %v", content.ErrParseFailure, err)
		}
		docs = append(docs, &doc)
	}
	if len(docs) == 0 {
		return "", errNoStructure
	}

	parts := make([]string, 0, len(docs))
	for _, doc := range docs {
		root := doc
		if root.Kind == yaml.DocumentNode && len(root.Content) > 0 {
			root = root.Content[0]
		}
		if root.Kind != yaml.MappingNode && root.Kind != yaml.SequenceNode {
			return "", fmt.Errorf("%w: yaml: scalar document", content.ErrParseFailure)
		}

		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(s.truncateYAML(root, 0)); err != nil {
			return "", fmt.Errorf("%w: yaml: %v", content.ErrParseFailure, err)
		}
		_ = enc.Close()
		parts = append(parts, strings.TrimRight(buf.String(), "\n"))
	}
	return strings.Join(parts, "\n---\n"), nil
}

func yamlString(value string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value}
}

func (s *StructuredStrategy) truncateYAML(n *yaml.Node, depth int) *yaml.Node {
	switch n.Kind {
	case yaml.AliasNode:
		if n.Alias != nil {
			return s.truncateYAML(n.Alias, depth)
		}
		return n
	case yaml.MappingNode:
		pairs := len(n.Content) / 2
		if depth >= s.maxDepth {
			return yamlString(fmt.Sprintf("<object: %d keys>", pairs))
		}
		out := &yaml.Node{Kind: yaml.MappingNode, Tag: n.Tag, Style: n.Style}
		limit := min(pairs, s.maxObjectKeys)
		for i := 0; i < limit; i++ {
			key := *n.Content[2*i]
			key.Anchor = ""
			out.Content = append(out.Content, &key, s.truncateYAML(n.Content[2*i+1], depth+1))
		}
		if extra := pairs - limit; extra > 0 {
			out.Content = append(out.Content, yamlString(fmt.Sprintf("+%d more", extra)), yamlString("..."))
		}
		return out
	case yaml.SequenceNode:
		if depth >= s.maxDepth {
			return yamlString(fmt.Sprintf("<array: %d items>", len(n.Content)))
		}
		out := &yaml.Node{Kind: yaml.SequenceNode, Tag: n.Tag, Style: n.Style}
		limit := min(len(n.Content), s.maxArrayItems)
		for i := 0; i < limit; i++ {
			out.Content = append(out.Content, s.truncateYAML(n.Content[i], depth+1))
		}
		if extra := len(n.Content) - limit; extra > 0 {
			out.Content = append(out.Content, yamlString(fmt.Sprintf("+%d more", extra)))
		}
		return out
	default:
		c := *n
		c.Anchor = ""
		return &c
	}
}
