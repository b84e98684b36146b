package capabilities

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/gatekeeper/pkg/contracts"
)

// changeSchema is the wire format every backend must emit.
const changeSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["files", "commit_message"],
  "additionalProperties": false,
  "properties": {
    "commit_message": {"type": "string", "minLength": 1},
    "files": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["path"],
        "additionalProperties": false,
        "properties": {
          "path": {"type": "string", "minLength": 1, "not": {"pattern": "(^/|(^|/)\\.\\.(/|$))"}},
          "content": {"type": "string"},
          "delete": {"type": "boolean"}
        }
      }
    }
  }
}`

const changeSchemaURL = "https://gatekeeper.schemas.local/change.schema.json"

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func changeDocumentSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(changeSchemaURL, strings.NewReader(changeSchema)); err != nil {
			schemaErr = fmt.Errorf("change schema load failed: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile(changeSchemaURL)
	})
	return compiledSchema, schemaErr
}

// ParseChange decodes and validates a change document. Paths must be
// relative and may not escape the repository root.
func ParseChange(data []byte) (*contracts.GeneratedChange, error) {
	schema, err := changeDocumentSchema()
	if err != nil {
		return nil, err
	}

	var doc any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("change document is not JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("change document rejected: %w", err)
	}

	var change contracts.GeneratedChange
	if err := json.Unmarshal(data, &change); err != nil {
		return nil, fmt.Errorf("decode change: %w", err)
	}
	if err := change.Validate(); err != nil {
		return nil, err
	}
	return &change, nil
}

var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*\\n(.*?)\\n\\s*```")

// extractDocument pulls the JSON document out of a chat reply that may wrap
// it in a fenced block.
func extractDocument(reply string) []byte {
	if m := fencedJSON.FindStringSubmatch(reply); m != nil {
		return []byte(m[1])
	}
	return []byte(strings.TrimSpace(reply))
}
