package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	protov1 "github.com/marko911/pulse-notify/pkg/proto/v1"
)

func newChainsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chains",
		Short: "List supported chains",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return writeChains(cmd.OutOrStdout())
		},
	}
}

func writeChains(out io.Writer) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CHAIN ID\tNAME\tKEY\tTOKEN")
	fmt.Fprintln(w, "--------\t----\t---\t-----")
	for _, n := range protov1.Networks() {
		fmt.Fprintf(w, "0x%x\t%s\t%s\t%s\n", n.ChainID, n.Name, n.Key(), n.NativeToken)
	}
	return w.Flush()
}
