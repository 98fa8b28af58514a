package output

import (
	"bytes"
	"encoding/json"

	"gopkg.in/yaml.v3"
)

// object is one row keyed by column, marshaled in column order.
type object struct {
	columns []Column
	values  []any
}

func (t *Table) objects() []object {
	out := make([]object, len(t.Rows))
	for i, row := range t.Rows {
		out[i] = object{columns: t.Columns, values: row}
	}
	return out
}

// MarshalJSON writes the fields in column order.
func (o object) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, c := range o.columns {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(c.Key)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(o.value(i))
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// MarshalYAML returns a mapping node with the fields in column order.
func (o object) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for i, c := range o.columns {
		var val yaml.Node
		if err := val.Encode(o.value(i)); err != nil {
			return nil, err
		}
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: c.Key},
			&val,
		)
	}
	return node, nil
}

func (o object) value(i int) any {
	if i < len(o.values) {
		return o.values[i]
	}
	return nil
}

// JSONFormatter writes the rows as an indented JSON array of objects.
type JSONFormatter struct{}

// Format writes the formatted output to the buffer.
func (f *JSONFormatter) Format(w *bytes.Buffer, t *Table) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(t.objects())
}

func init() {
	Register("json", func() Formatter {
		return &JSONFormatter{}
	})
}

var _ Formatter = (*JSONFormatter)(nil)

// YAMLFormatter writes the rows as a YAML sequence of mappings.
type YAMLFormatter struct{}

// Format writes the formatted output to the buffer.
func (f *YAMLFormatter) Format(w *bytes.Buffer, t *Table) error {
	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)
	if err := encoder.Encode(t.objects()); err != nil {
		return err
	}
	return encoder.Close()
}

func init() {
	Register("yaml", func() Formatter {
		return &YAMLFormatter{}
	})
}

var _ Formatter = (*YAMLFormatter)(nil)
