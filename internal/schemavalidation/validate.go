// Package schemavalidation checks exported documents against the JSON Schemas
// embedded in the binary.
package schemavalidation

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Schema names.
const (
	SignatureBundleV1 = "signature-bundle-v1"
)

// schemaBaseURL matches the $id of every embedded schema.
const schemaBaseURL = "https://esignd.local/schema/"

//go:embed schemas/*.schema.json
var schemaFS embed.FS

var (
	compileOnce sync.Once
	compiled    map[string]*jsonschema.Schema
	compileErr  error
)

func load() (map[string]*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		compiler.AssertFormat = true

		out := make(map[string]*jsonschema.Schema)
		for _, name := range []string{SignatureBundleV1} {
			data, err := schemaFS.ReadFile("schemas/" + name + ".schema.json")
			if err != nil {
				compileErr = fmt.Errorf("read schema %s: %w", name, err)
				return
			}
			url := schemaBaseURL + name + ".schema.json"
			if err := compiler.AddResource(url, bytes.NewReader(data)); err != nil {
				compileErr = fmt.Errorf("add schema %s: %w", name, err)
				return
			}
			schema, err := compiler.Compile(url)
			if err != nil {
				compileErr = fmt.Errorf("compile schema %s: %w", name, err)
				return
			}
			out[name] = schema
		}
		compiled = out
	})
	return compiled, compileErr
}

// Validate checks the JSON document data against the named schema.
func Validate(name string, data []byte) error {
	schemas, err := load()
	if err != nil {
		return err
	}
	schema, ok := schemas[name]
	if !ok {
		return fmt.Errorf("unknown schema %q", name)
	}

	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return fmt.Errorf("decode instance: %w", err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}
