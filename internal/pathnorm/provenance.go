package pathnorm

import (
	"bytes"
	"path"
	"strings"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

// ProvenanceField is the field added to structured payloads whose key was
// rewritten, holding the original key.
const ProvenanceField = "_original_key"

// IsStructured reports whether name is a payload EmbedProvenance can handle.
func IsStructured(name string) bool {
	switch strings.ToLower(path.Ext(name)) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}

// EmbedProvenance returns data with the original key added as a top-level
// field. The second result is false when data is not a JSON or YAML object,
// in which case data is returned unchanged.
func EmbedProvenance(name string, data []byte, originalKey string) ([]byte, bool) {
	switch strings.ToLower(path.Ext(name)) {
	case ".json":
		return embedJSON(data, originalKey)
	case ".yaml", ".yml":
		return embedYAML(data, originalKey)
	}
	return data, false
}

func embedJSON(data []byte, originalKey string) ([]byte, bool) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil || doc == nil {
		return data, false
	}

	encodedKey, err := json.Marshal(originalKey)
	if err != nil {
		return data, false
	}
	doc[ProvenanceField] = encodedKey

	out, err := json.Marshal(doc)
	if err != nil {
		return data, false
	}
	return out, true
}

func embedYAML(data []byte, originalKey string) ([]byte, bool) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return data, false
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) != 1 || doc.Content[0].Kind != yaml.MappingNode {
		return data, false
	}

	mapping := doc.Content[0]
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == ProvenanceField {
			mapping.Content[i+1].SetString(originalKey)
			return encodeYAML(&doc, data)
		}
	}

	keyNode := &yaml.Node{}
	keyNode.SetString(ProvenanceField)
	valueNode := &yaml.Node{}
	valueNode.SetString(originalKey)
	mapping.Content = append(mapping.Content, keyNode, valueNode)
	return encodeYAML(&doc, data)
}

func encodeYAML(doc *yaml.Node, original []byte) ([]byte, bool) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return original, false
	}
	if err := enc.Close(); err != nil {
		return original, false
	}
	return buf.Bytes(), true
}
