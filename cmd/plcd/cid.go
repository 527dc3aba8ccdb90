package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/RegistryAccord/registryaccord-plc-go/internal/plc"
)

// newCIDCmd prints what the directory would derive from an operation: its
// CID, the bytes a client signs and, for a genesis, the did:plc identifier.
func newCIDCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cid [file]",
		Short: "Print the CID of a JSON operation read from file or stdin",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				data []byte
				err  error
			)
			if len(args) == 1 && args[0] != "-" {
				data, err = os.ReadFile(args[0])
			} else {
				data, err = io.ReadAll(cmd.InOrStdin())
			}
			if err != nil {
				return fmt.Errorf("read operation: %w", err)
			}

			op, err := plc.DecodeOperation(data)
			if err != nil {
				return err
			}
			cid, err := plc.CIDString(op)
			if err != nil {
				return err
			}
			signing, err := plc.SigningBytes(op)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "cid: %s\n", cid)
			fmt.Fprintf(out, "signing bytes: %x\n", signing)
			if op.IsGenesis() {
				did, err := plc.DeriveDID(op)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "did: %s\n", did)
			}
			return nil
		},
	}
}
