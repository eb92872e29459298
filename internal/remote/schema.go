package remote

import (
	"bytes"
	"embed"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const (
	eventSchema = "event.json"
	habitSchema = "habit.json"
)

var (
	schemasOnce sync.Once
	schemas     map[string]*jsonschema.Schema
	schemasErr  error
)

func compileSchemas() {
	c := jsonschema.NewCompiler()
	names := []string{eventSchema, habitSchema}
	for _, name := range names {
		raw, err := schemaFS.ReadFile("schemas/" + name)
		if err != nil {
			schemasErr = fmt.Errorf("failed to read schema %s: %w", name, err)
			return
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			schemasErr = fmt.Errorf("failed to parse schema %s: %w", name, err)
			return
		}
		if err := c.AddResource(name, doc); err != nil {
			schemasErr = fmt.Errorf("failed to add schema %s: %w", name, err)
			return
		}
	}

	schemas = make(map[string]*jsonschema.Schema, len(names))
	for _, name := range names {
		sch, err := c.Compile(name)
		if err != nil {
			schemasErr = fmt.Errorf("failed to compile schema %s: %w", name, err)
			return
		}
		schemas[name] = sch
	}
}

// validate checks a JSON document against a named schema
func validate(schema string, data []byte) error {
	schemasOnce.Do(compileSchemas)
	if schemasErr != nil {
		return schemasErr
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return err
	}
	return schemas[schema].Validate(inst)
}
