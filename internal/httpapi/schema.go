package httpapi

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const transactionSchemaURL = "https://relaydoc.local/schemas/transaction.json"

const transactionSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["function", "args"],
  "additionalProperties": false,
  "properties": {
    "function": {"enum": ["insertText", "deleteText"]},
    "args": {"type": "object"}
  },
  "oneOf": [
    {
      "properties": {
        "function": {"const": "insertText"},
        "args": {"$ref": "#/$defs/insertArgs"}
      }
    },
    {
      "properties": {
        "function": {"const": "deleteText"},
        "args": {"$ref": "#/$defs/deleteArgs"}
      }
    }
  ],
  "$defs": {
    "insertArgs": {
      "type": "object",
      "required": ["position", "text"],
      "additionalProperties": false,
      "properties": {
        "position": {"type": "integer", "minimum": 0},
        "text": {"type": "string", "minLength": 1}
      }
    },
    "deleteArgs": {
      "type": "object",
      "required": ["position", "length"],
      "additionalProperties": false,
      "properties": {
        "position": {"type": "integer", "minimum": 0},
        "length": {"type": "integer", "minimum": 1}
      }
    }
  }
}`

type transactionRequest struct {
	Function string `json:"function"`
	Args     struct {
		Position int    `json:"position"`
		Text     string `json:"text"`
		Length   int    `json:"length"`
	} `json:"args"`
}

func compileTransactionSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(transactionSchema))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(transactionSchemaURL, doc); err != nil {
		return nil, err
	}
	return compiler.Compile(transactionSchemaURL)
}

func validateTransaction(schema *jsonschema.Schema, body []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("invalid json body: %w", err)
	}
	return schema.Validate(inst)
}
