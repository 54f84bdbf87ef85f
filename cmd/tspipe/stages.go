// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/ManuGH/tspipe/internal/stages"
	"github.com/spf13/cobra"
)

func newStagesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stages",
		Short: "List the available stages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "ROLE\tNAME\tUSAGE")
			for _, reg := range stages.Default().List() {
				usage := reg.Usage
				if usage == "" {
					usage = reg.Name
				}
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", reg.Role, reg.Name, strings.TrimSpace(usage))
			}
			return tw.Flush()
		},
	}
}
