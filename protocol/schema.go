package protocol

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// RequestSchema returns the JSON Schema describing Request.
func RequestSchema() ([]byte, error) {
	return schemaFor(&Request{})
}

// ResponseSchema returns the JSON Schema describing Response.
func ResponseSchema() ([]byte, error) {
	return schemaFor(&Response{})
}

func schemaFor(v any) ([]byte, error) {
	r := &jsonschema.Reflector{
		DoNotReference: true,
	}
	return json.MarshalIndent(r.Reflect(v), "", "  ")
}
