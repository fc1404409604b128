package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func decryptCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "decrypt <file>",
		Short: "Write the export's session list as plain JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := readExport(args[0])
			if err != nil {
				return err
			}
			payload, err := json.MarshalIndent(entries, "", "  ")
			if err != nil {
				return err
			}
			if output == "" || output == "-" {
				fmt.Println(string(payload))
				return nil
			}
			return os.WriteFile(output, payload, 0600)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "-", "output file, - for stdout")
	return cmd
}
