// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package schema validates JSON documents against named JSON schemas.
package schema

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/goccy/go-json"

	"github.com/xeipuuv/gojsonschema"
)

// ErrInvalidDocument is wrapped by all validation failures of a document
var ErrInvalidDocument = errors.New("the document is not valid")

// Validator is a utility to validate JSON object against a given schema
type Validator struct {
	mu               sync.RWMutex
	refs             []string
	schemaValidators map[string]*gojsonschema.Schema
}

// NewValidator creates a new Validator using schemas for the top level JSON schemas and refs
// for refs that may be referenced in the top level schemas. Top level schemas are
// registered under their $id. If a reference is mentioned, it can only be in the list of refs
func NewValidator(schemas []string, refs []string) (*Validator, error) {
	type schema struct {
		ID string `json:"$id"`
	}
	v := &Validator{refs: refs, schemaValidators: make(map[string]*gojsonschema.Schema)}
	for _, str := range schemas {
		s := schema{}
		if err := json.Unmarshal([]byte(str), &s); err != nil {
			return nil, fmt.Errorf("parse error '%v' in schema: '%s'", err, str)
		}
		if s.ID == "" {
			return nil, fmt.Errorf("schema does not contain $id: '%s'", str)
		}
		if err := v.Add(s.ID, str); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// Add compiles schema and registers it under id, replacing a previous schema
// with the same id.
func (v *Validator) Add(id, schema string) error {
	sl := gojsonschema.NewSchemaLoader()
	for _, ref := range v.refs {
		if err := sl.AddSchemas(gojsonschema.NewStringLoader(ref)); err != nil {
			return fmt.Errorf("cannot add ref %s: %w", ref, err)
		}
	}
	compiled, err := sl.Compile(gojsonschema.NewStringLoader(schema))
	if err != nil {
		return fmt.Errorf("cannot compile schema %s: %w", id, err)
	}
	v.mu.Lock()
	v.schemaValidators[id] = compiled
	v.mu.Unlock()
	return nil
}

// HasSchema returns true if schemaID is known
func (v *Validator) HasSchema(schemaID string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.schemaValidators[schemaID]
	return ok
}

// ValidateStruct validates the given value against schemaID. If no error is returned,
// then the passed value is valid
func (v *Validator) ValidateStruct(value interface{}, schemaID string) error {
	return v.validate(gojsonschema.NewGoLoader(value), schemaID)
}

// ValidateString validates the given json against schemaID. If no error is returned, then the
// passed json is valid
func (v *Validator) ValidateString(json, schemaID string) error {
	return v.validate(gojsonschema.NewStringLoader(json), schemaID)
}

// ValidateBytes validates raw json against schemaID. Empty input is validated as null.
func (v *Validator) ValidateBytes(data []byte, schemaID string) error {
	if len(data) == 0 {
		data = []byte("null")
	}
	return v.validate(gojsonschema.NewBytesLoader(data), schemaID)
}

func (v *Validator) validate(loader gojsonschema.JSONLoader, schemaID string) error {
	v.mu.RLock()
	schema, ok := v.schemaValidators[schemaID]
	v.mu.RUnlock()
	if !ok {
		return fmt.Errorf("there is no schema %s", schemaID)
	}

	result, err := schema.Validate(loader)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidDocument, err)
	}

	if !result.Valid() {
		var b strings.Builder
		for _, e := range result.Errors() {
			fmt.Fprintf(&b, "\n- %s", e)
		}
		return fmt.Errorf("%w:%s", ErrInvalidDocument, b.String())
	}
	return nil
}
