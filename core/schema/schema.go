// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package schema validates REST bodies and decrypted device messages

The device schemas are embedded. Each top level file of the schemas directory
is a document schema identified by its $id, the files in schemas/refs are
shared definitions which the document schemas may reference.
*/
package schema

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/goccy/go-json"
	"github.com/xeipuuv/gojsonschema"
)

// Schema identifiers of the embedded device schemas
const (
	baseID = "https://iotgate.relabs.tech/schemas/"

	RegisterID            = baseID + "register.json"
	InitiateID            = baseID + "initiate.json"
	ValidateCredentialsID = baseID + "validate-credentials.json"
	ValidateOtkID         = baseID + "validate-otk.json"
	HeartbeatID           = baseID + "heartbeat.json"
	CommandID             = baseID + "command.json"
)

// ErrInvalidDocument is matched by every error which reports a document
// that does not conform to its schema
var ErrInvalidDocument = errors.New("the document is not valid")

//go:embed schemas
var deviceSchemas embed.FS

// ValidationError lists the violations of a document
type ValidationError struct {
	SchemaID string
	Details  []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrInvalidDocument, strings.Join(e.Details, "; "))
}

// Is makes errors.Is(err, ErrInvalidDocument) hold
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidDocument
}

// Validator validates JSON documents against compiled schemas
type Validator struct {
	schemas map[string]*gojsonschema.Schema
}

// NewDeviceValidator returns a validator for the request bodies and device
// messages of the gateway
func NewDeviceValidator() (*Validator, error) {
	sub, err := fs.Sub(deviceSchemas, "schemas")
	if err != nil {
		return nil, err
	}
	return NewValidatorFromFS(sub)
}

// NewValidatorFromFS compiles the *.json files at the root of fsys as document
// schemas. Files below refs/ are added as references.
func NewValidatorFromFS(fsys fs.FS) (*Validator, error) {
	var schemas, refs []string
	err := fs.WalkDir(fsys, ".", func(name string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || path.Ext(name) != ".json" {
			return nil
		}
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("cannot read schema %s: %w", name, err)
		}
		switch {
		case path.Dir(name) == ".":
			schemas = append(schemas, string(data))
		case strings.HasPrefix(name, "refs/"):
			refs = append(refs, string(data))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return NewValidator(schemas, refs)
}

// NewValidator compiles schemas, each of which must carry an $id. The
// schemas may reference the refs, not each other.
func NewValidator(schemas []string, refs []string) (*Validator, error) {
	v := &Validator{schemas: make(map[string]*gojsonschema.Schema, len(schemas))}
	for _, s := range schemas {
		var header struct {
			ID string `json:"$id"`
		}
		if err := json.Unmarshal([]byte(s), &header); err != nil {
			return nil, fmt.Errorf("cannot parse schema: %w", err)
		}
		if header.ID == "" {
			return nil, fmt.Errorf("schema without $id: %.60s", s)
		}

		loader := gojsonschema.NewSchemaLoader()
		for _, ref := range refs {
			if err := loader.AddSchemas(gojsonschema.NewStringLoader(ref)); err != nil {
				return nil, fmt.Errorf("cannot add reference to %s: %w", header.ID, err)
			}
		}
		compiled, err := loader.Compile(gojsonschema.NewStringLoader(s))
		if err != nil {
			return nil, fmt.Errorf("cannot compile schema %s: %w", header.ID, err)
		}
		v.schemas[header.ID] = compiled
	}
	return v, nil
}

// HasSchema returns true if schemaID is known
func (v *Validator) HasSchema(schemaID string) bool {
	_, ok := v.schemas[schemaID]
	return ok
}

// ValidateBytes validates a raw JSON document against schemaID. A document
// which is not JSON at all is invalid as well.
func (v *Validator) ValidateBytes(data []byte, schemaID string) error {
	s, ok := v.schemas[schemaID]
	if !ok {
		return fmt.Errorf("unknown schema %s", schemaID)
	}
	result, err := s.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return &ValidationError{SchemaID: schemaID, Details: []string{err.Error()}}
	}
	if result.Valid() {
		return nil
	}
	details := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		details = append(details, e.String())
	}
	return &ValidationError{SchemaID: schemaID, Details: details}
}
