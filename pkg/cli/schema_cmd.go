package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

type field struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable,omitempty"`
}

type tableDescription struct {
	Name   string  `json:"name"`
	Kind   string  `json:"kind"`
	Fields []field `json:"fields"`
}

func newSchemaCmd(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "List the tables visible to the team",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			prefix, err := gf.teamPath()
			if err != nil {
				return err
			}
			_, data, err := gf.client().Do(cmd.Context(), http.MethodGet, prefix+"/schema", nil, nil)
			if err != nil {
				return err
			}
			if gf.output == OutputJSON {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			var body struct {
				Tables []tableDescription `json:"tables"`
			}
			if err := json.Unmarshal(data, &body); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
			rows := make([][]string, 0, len(body.Tables))
			for _, t := range body.Tables {
				cols := make([]string, len(t.Fields))
				for i, f := range t.Fields {
					cols[i] = f.Name + " " + f.Type
				}
				rows = append(rows, []string{t.Name, t.Kind, strings.Join(cols, ", ")})
			}
			return PrintTable(cmd.OutOrStdout(), []string{"NAME", "KIND", "FIELDS"}, rows)
		},
	}
}

func newTablesCmd(gf *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tables",
		Short: "Register and drop team tables",
	}
	cmd.AddCommand(newTablesRegisterCmd(gf), newTablesDropCmd(gf))
	return cmd
}

func newTablesRegisterCmd(gf *globalFlags) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a table description from a YAML or JSON file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			prefix, err := gf.teamPath()
			if err != nil {
				return err
			}
			raw, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read table file: %w", err)
			}
			// YAML is a superset of JSON, so one decoder handles both.
			var desc map[string]any
			if err := yaml.Unmarshal(raw, &desc); err != nil {
				return fmt.Errorf("parse table file: %w", err)
			}
			if _, ok := desc["name"]; !ok {
				return fmt.Errorf("table file %s has no name", file)
			}
			if _, _, err := gf.client().Do(cmd.Context(), http.MethodPost, prefix+"/tables", nil, desc); err != nil {
				return err
			}
			if !gf.quiet {
				fmt.Fprintf(cmd.OutOrStdout(), "table %v registered for team %d\n", desc["name"], gf.team)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Table description file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newTablesDropCmd(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "drop <name>",
		Short: "Unregister a team table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix, err := gf.teamPath()
			if err != nil {
				return err
			}
			if _, _, err := gf.client().Do(cmd.Context(), http.MethodDelete, prefix+"/tables/"+args[0], nil, nil); err != nil {
				return err
			}
			if !gf.quiet {
				fmt.Fprintf(cmd.OutOrStdout(), "table %s dropped\n", args[0])
			}
			return nil
		},
	}
}
