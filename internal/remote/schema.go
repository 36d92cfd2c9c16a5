package remote

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const pageSchemaURL = "https://relaylist.dev/schema/page.json"

const pageSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["rows"],
  "properties": {
    "rows": {
      "type": "array",
      "items": {"type": "object"}
    }
  }
}`

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

func pageValidator() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(pageSchema))
		if err != nil {
			compileErr = err
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(pageSchemaURL, doc); err != nil {
			compileErr = err
			return
		}
		compiled, compileErr = c.Compile(pageSchemaURL)
	})
	return compiled, compileErr
}

// decodeRows validates a page body and returns its rows undecoded.
func decodeRows(payload []byte) ([]json.RawMessage, error) {
	schema, err := pageValidator()
	if err != nil {
		return nil, fmt.Errorf("compile page schema: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("decode page: %w", err)
	}
	if err := schema.Validate(inst); err != nil {
		return nil, fmt.Errorf("invalid page: %w", err)
	}
	var body struct {
		Rows []json.RawMessage `json:"rows"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("decode page: %w", err)
	}
	return body.Rows, nil
}
