package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"appbuilder/services/prd"
)

func (c *cli) newPRDCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prd",
		Short: "Requirement document operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(c.newPRDParseCommand())
	return cmd
}

func (c *cli) newPRDParseCommand() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "parse <file>",
		Short: "Extract the requirement model from a PRD",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			model, err := readPRD(args[0])
			if err != nil {
				return err
			}
			switch format {
			case "json":
				return printJSON(c.out, model)
			case "yaml":
				return printYAML(c.out, model)
			default:
				return fmt.Errorf("unsupported format %q", format)
			}
		},
	}

	cmd.Flags().StringVar(&format, "format", "json", "Output format (json or yaml)")
	return cmd
}

func readPRD(path string) (*prd.RequirementModel, error) {
	text, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prd: %w", err)
	}
	return prd.Extract(string(text)), nil
}
