package intent

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"
	jsonvalidate "github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Schema validates and decodes the parameter payload of one intent.
type Schema interface {
	// Validate decodes raw into the schema's value type. A failure is
	// reported as *ValidationError.
	Validate(raw json.RawMessage) (any, error)
	// JSONSchema describes the accepted shape to the model.
	JSONSchema() json.RawMessage
}

type objectSchema[T any] struct {
	schema   json.RawMessage
	required []string
	compiled *jsonvalidate.Schema
}

// ObjectOf builds a Schema for the struct type T. The JSON schema is
// reflected from T's json tags; fields without omitempty are required.
func ObjectOf[T any]() Schema {
	r := &jsonschema.Reflector{
		ExpandedStruct: true,
		DoNotReference: true,
	}
	s := r.Reflect(new(T))
	s.Version = ""
	s.ID = ""
	raw, err := json.Marshal(s)
	if err != nil {
		panic(fmt.Sprintf("reflect schema for %T: %v", *new(T), err))
	}
	compiled, err := compileSchema(raw)
	if err != nil {
		panic(fmt.Sprintf("compile schema for %T: %v", *new(T), err))
	}
	return &objectSchema[T]{schema: raw, required: append([]string(nil), s.Required...), compiled: compiled}
}

func (s *objectSchema[T]) Validate(raw json.RawMessage) (any, error) {
	fields, err := decodeObject(raw)
	if err != nil {
		return nil, err
	}
	if err := checkRequired(fields, s.required); err != nil {
		return nil, err
	}
	if err := validateAgainst(s.compiled, raw); err != nil {
		return nil, err
	}

	var out T
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return nil, &ValidationError{Reason: err.Error()}
	}
	return out, nil
}

func (s *objectSchema[T]) JSONSchema() json.RawMessage {
	return s.schema
}

type rawSchema struct {
	schema   json.RawMessage
	required []string
	compiled *jsonvalidate.Schema
}

// RawSchema wraps a hand-written JSON schema for an object payload. The
// schema is compiled once; Validate checks payloads against all of it and
// returns the decoded map[string]any.
func RawSchema(schema json.RawMessage) (Schema, error) {
	if len(bytes.TrimSpace(schema)) == 0 {
		schema = json.RawMessage(`{"type":"object","properties":{},"required":[]}`)
	}
	var head struct {
		Type     string   `json:"type"`
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(schema, &head); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	if head.Type != "" && head.Type != "object" {
		return nil, fmt.Errorf("schema type must be object, got %q", head.Type)
	}
	compiled, err := compileSchema(schema)
	if err != nil {
		return nil, err
	}
	return &rawSchema{schema: schema, required: head.Required, compiled: compiled}, nil
}

func (s *rawSchema) Validate(raw json.RawMessage) (any, error) {
	fields, err := decodeObject(raw)
	if err != nil {
		return nil, err
	}
	if err := checkRequired(fields, s.required); err != nil {
		return nil, err
	}
	if err := validateAgainst(s.compiled, raw); err != nil {
		return nil, err
	}
	return fields, nil
}

func (s *rawSchema) JSONSchema() json.RawMessage {
	return s.schema
}

const schemaURL = "intent-parameters.json"

func compileSchema(schema json.RawMessage) (*jsonvalidate.Schema, error) {
	doc, err := jsonvalidate.UnmarshalJSON(bytes.NewReader(schema))
	if err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	c := jsonvalidate.NewCompiler()
	if err := c.AddResource(schemaURL, doc); err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return compiled, nil
}

var reasonPrinter = message.NewPrinter(language.English)

// validateAgainst checks raw with the compiled schema and reports the first
// leaf failure as *ValidationError.
func validateAgainst(compiled *jsonvalidate.Schema, raw json.RawMessage) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage(`{}`)
	}
	inst, err := jsonvalidate.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return &ValidationError{Reason: "parameters must be a JSON object"}
	}
	err = compiled.Validate(inst)
	if err == nil {
		return nil
	}
	var verr *jsonvalidate.ValidationError
	if !errors.As(err, &verr) {
		return &ValidationError{Reason: err.Error()}
	}
	for len(verr.Causes) > 0 {
		verr = verr.Causes[0]
	}
	return &ValidationError{
		Field:  strings.Join(verr.InstanceLocation, "."),
		Reason: verr.ErrorKind.LocalizedString(reasonPrinter),
	}
}

// Params returns the decoded parameters of call as T.
func Params[T any](call Call) (T, bool) {
	v, ok := call.Parameters.(T)
	return v, ok
}

func decodeObject(raw json.RawMessage) (map[string]any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage(`{}`)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, &ValidationError{Reason: "parameters must be a JSON object"}
	}
	if fields == nil {
		fields = map[string]any{}
	}
	return fields, nil
}

func checkRequired(fields map[string]any, required []string) error {
	for _, name := range required {
		if _, ok := fields[name]; !ok {
			return &ValidationError{Field: name, Reason: "is required"}
		}
	}
	return nil
}
