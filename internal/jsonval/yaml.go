package jsonval

import (
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"
)

// UnmarshalYAML decodes a YAML node into a Value, preserving mapping
// key order. This lets Value fields appear directly in policy and
// template documents parsed with yaml.v3.
func (v *Value) UnmarshalYAML(node *yaml.Node) error {
	decoded, err := FromYAMLNode(node)
	if err != nil {
		return err
	}
	*v = decoded
	return nil
}

// FromYAMLNode converts a parsed yaml.Node tree into a Value.
func FromYAMLNode(node *yaml.Node) (Value, error) {
	if node == nil {
		return Null(), nil
	}
	switch node.Kind {
	case yaml.DocumentNode:
		if len(node.Content) == 0 {
			return Null(), nil
		}
		return FromYAMLNode(node.Content[0])
	case yaml.AliasNode:
		return FromYAMLNode(node.Alias)
	case yaml.ScalarNode:
		return scalarFromYAML(node), nil
	case yaml.SequenceNode:
		arr := Value{kind: KindArray, arr: make([]Value, 0, len(node.Content))}
		for _, item := range node.Content {
			iv, err := FromYAMLNode(item)
			if err != nil {
				return Null(), err
			}
			arr.arr = append(arr.arr, iv)
		}
		return arr, nil
	case yaml.MappingNode:
		obj := Value{kind: KindObject, obj: make(map[string]Value, len(node.Content)/2)}
		for i := 0; i+1 < len(node.Content); i += 2 {
			key := node.Content[i].Value
			val, err := FromYAMLNode(node.Content[i+1])
			if err != nil {
				return Null(), err
			}
			obj.set(key, val)
		}
		return obj, nil
	}
	return Null(), fmt.Errorf("unsupported yaml node kind %d", node.Kind)
}

func scalarFromYAML(node *yaml.Node) Value {
	switch node.Tag {
	case "!!null":
		return Null()
	case "!!bool":
		b, err := strconv.ParseBool(node.Value)
		if err != nil {
			return String(node.Value)
		}
		return Bool(b)
	case "!!int", "!!float":
		f, err := strconv.ParseFloat(node.Value, 64)
		if err != nil {
			return String(node.Value)
		}
		return Number(f)
	default:
		return String(node.Value)
	}
}

// DecodeYAML parses a YAML document into a Value. JSON is a subset of
// YAML, so this also accepts JSON content.
func DecodeYAML(data []byte) (Value, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return Null(), err
	}
	return FromYAMLNode(&node)
}
