package replsession

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Mode selects how a replication direction behaves.
type Mode int

const (
	ModeOff Mode = iota
	ModeOneShot
	ModeContinuous
)

var modeNames = [...]string{
	ModeOff:        "off",
	ModeOneShot:    "one-shot",
	ModeContinuous: "continuous",
}

func (m Mode) String() string {
	if m < 0 || int(m) >= len(modeNames) {
		return fmt.Sprintf("mode(%d)", int(m))
	}
	return modeNames[m]
}

// ParseMode accepts the spellings used in config files.
func ParseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "off", "disabled":
		return ModeOff, nil
	case "one-shot", "oneshot", "once":
		return ModeOneShot, nil
	case "continuous":
		return ModeContinuous, nil
	default:
		return ModeOff, fmt.Errorf("%w: replication mode %q", ErrInvalidInput, raw)
	}
}

// Options configures a session. They are owned by the session and mutated
// only while no engine instance is live.
type Options struct {
	Push Mode
	Pull Mode

	// DocIDs, when non-empty, restricts replication to the listed documents.
	DocIDs []string

	// Properties is an open key-value map passed through to the engine.
	// Known keys are validated against a schema; unknown keys are allowed.
	Properties map[string]any

	// CallbackContext is handed to every client callback unchanged.
	CallbackContext any
}

// Continuous reports whether either direction runs continuously.
func (o Options) Continuous() bool {
	return o.Push == ModeContinuous || o.Pull == ModeContinuous
}

// propertiesSchema types the option keys the engine understands. Unknown
// keys pass through untouched.
const propertiesSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"authToken": {"type": "string", "minLength": 1},
		"headers": {
			"type": "object",
			"additionalProperties": {"type": "string"}
		},
		"batchSize": {"type": "integer", "minimum": 1},
		"heartbeatSeconds": {"type": "integer", "minimum": 1},
		"filter": {"type": "string"},
		"channels": {
			"type": "array",
			"items": {"type": "string"}
		}
	}
}`

var (
	propertiesSchemaOnce     sync.Once
	propertiesSchemaCompiled *jsonschema.Schema
	propertiesSchemaErr      error
)

func compiledPropertiesSchema() (*jsonschema.Schema, error) {
	propertiesSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(propertiesSchema))
		if err != nil {
			propertiesSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("session-properties.json", doc); err != nil {
			propertiesSchemaErr = err
			return
		}
		propertiesSchemaCompiled, propertiesSchemaErr = compiler.Compile("session-properties.json")
	})
	return propertiesSchemaCompiled, propertiesSchemaErr
}

// ValidateProperties checks a property map against the session schema.
// A nil map is valid.
func ValidateProperties(properties map[string]any) error {
	if len(properties) == 0 {
		return nil
	}
	schema, err := compiledPropertiesSchema()
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(properties)
	if err != nil {
		return &PropertiesError{Detail: err.Error()}
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(encoded))
	if err != nil {
		return &PropertiesError{Detail: err.Error()}
	}
	if err := schema.Validate(doc); err != nil {
		return &PropertiesError{Detail: err.Error()}
	}
	return nil
}

// StringProperty reads a string-typed property, with "" when absent or of
// another type.
func (o Options) StringProperty(key string) string {
	value, _ := o.Properties[key].(string)
	return value
}
