package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/opd-ai/mxcrypto/olm"
)

func reencryptCmd() *cobra.Command {
	var (
		newPassword string
		iterations  int
	)
	cmd := &cobra.Command{
		Use:   "reencrypt <file> <out>",
		Short: "Reseal an export file under a new password",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := readExport(args[0])
			if err != nil {
				return err
			}
			payload, err := json.Marshal(entries)
			if err != nil {
				return err
			}
			blob, err := olm.EncryptExport(payload, newPassword, iterations)
			if err != nil {
				return err
			}
			if err := os.WriteFile(args[1], blob, 0600); err != nil {
				return err
			}
			fmt.Printf("Resealed %d sessions into %s\n", len(entries), args[1])
			return nil
		},
	}
	cmd.Flags().StringVar(&newPassword, "new-password", "", "password for the output file")
	cmd.Flags().IntVar(&iterations, "iterations", olm.DefaultExportIterations, "PBKDF2 iteration count")
	return cmd
}
