package config

import (
	"encoding/json"
	"sync"

	"github.com/invopop/jsonschema"
)

// JSONSchema reflects the Config struct into a JSON Schema document, keyed
// by the yaml tags so the schema matches what the loader actually accepts.
// The reflection runs once; the document is immutable for the process.
var JSONSchema = sync.OnceValues(func() ([]byte, error) {
	reflector := &jsonschema.Reflector{FieldNameTag: "yaml"}
	return json.MarshalIndent(reflector.Reflect(&Config{}), "", "  ")
})
