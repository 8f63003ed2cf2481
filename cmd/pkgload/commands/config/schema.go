package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/invopop/jsonschema"
	"github.com/spf13/cobra"

	"github.com/marmos91/pkgload/pkg/config"
)

var (
	schemaOutput  string
	schemaCompact bool
)

const schemaID = "https://github.com/marmos91/pkgload/config.schema.json"

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the JSON schema of the configuration file",
	Long: `Print a JSON schema describing the pkgload configuration file.

Editors with YAML language support can validate config.yaml against it.

Examples:
  pkgload config schema
  pkgload config schema -o config.schema.json
  pkgload config schema --compact`,
	Args: cobra.NoArgs,
	RunE: runSchema,
}

func init() {
	schemaCmd.Flags().StringVarP(&schemaOutput, "output", "o", "", "Write the schema to a file instead of stdout")
	schemaCmd.Flags().BoolVar(&schemaCompact, "compact", false, "Emit the schema on a single line")
}

// Schema returns the JSON schema of config.Config, keyed by yaml field names.
func Schema() ([]byte, error) {
	r := jsonschema.Reflector{
		FieldNameTag:   "yaml",
		DoNotReference: true,
	}
	s := r.Reflect(&config.Config{})
	s.ID = jsonschema.ID(schemaID)
	s.Version = jsonschema.Version
	s.Title = "pkgload Configuration"
	s.Description = "Mounts, cache, dispatcher, loader and service settings of pkgload"
	return json.Marshal(s)
}

func runSchema(cmd *cobra.Command, _ []string) error {
	raw, err := Schema()
	if err != nil {
		return fmt.Errorf("generate schema: %w", err)
	}
	out := raw
	if !schemaCompact {
		var buf bytes.Buffer
		if err := json.Indent(&buf, raw, "", "  "); err != nil {
			return err
		}
		out = buf.Bytes()
	}
	out = append(out, '\n')

	if schemaOutput == "" {
		_, err := cmd.OutOrStdout().Write(out)
		return err
	}
	if err := os.WriteFile(schemaOutput, out, 0644); err != nil {
		return fmt.Errorf("write %s: %w", schemaOutput, err)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Schema written to %s\n", schemaOutput)
	return nil
}
