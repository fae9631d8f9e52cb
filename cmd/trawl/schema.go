package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/invopop/jsonschema"

	"github.com/veritylab/trawl/pkg/config"
)

// SchemaCmd generates a JSON Schema for the configuration file. Written
// to stdout so it can be redirected from the Makefile or piped to
// editors that support schema-assisted YAML.
type SchemaCmd struct {
	Compact bool `short:"c" help:"Compact JSON output (no indentation)."`
}

func (c *SchemaCmd) Run(cli *CLI) error {
	reflector := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		// Inline all definitions (no $ref) so single-document consumers
		// work without a resolver.
		DoNotReference: true,
	}

	schema := reflector.Reflect(&config.Config{})

	schema.ID = "https://github.com/veritylab/trawl/schemas/trawl.json"
	schema.Title = "trawl configuration schema"
	schema.Description = "Configuration schema for the trawl deep-research agent server"
	schema.Version = "http://json-schema.org/draft-07/schema#"

	schema.Examples = []interface{}{
		map[string]interface{}{
			"llm": map[string]interface{}{
				"base_url": "${BASE_URL}",
				"api_key":  "${API_KEY}",
				"model":    "gpt-4o",
			},
			"server": map[string]interface{}{
				"port": 8000,
			},
			"pool": map[string]interface{}{
				"pipeline_pool_size":      5,
				"max_concurrent_requests": 10,
			},
		},
	}

	encoder := json.NewEncoder(os.Stdout)
	if !c.Compact {
		encoder.SetIndent("", "  ")
	}

	if err := encoder.Encode(schema); err != nil {
		return fmt.Errorf("encode schema: %w", err)
	}

	return nil
}
