// Package commands implements the roomkeys command-line tool for working
// with password-sealed Megolm room-key export files.
package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/opd-ai/mxcrypto/event"
	"github.com/opd-ai/mxcrypto/olm"
)

var (
	password string
	verbose  bool
)

func Execute() error {
	root := &cobra.Command{
		Use:   "roomkeys",
		Short: "Inspect and convert Megolm room-key export files",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			}
		},
	}

	root.PersistentFlags().StringVarP(&password, "password", "p", "", "export file password")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(inspectCmd(), decryptCmd(), reencryptCmd())
	return root.Execute()
}

// readExport opens an export file and returns its decoded session entries.
func readExport(path string) ([]*event.MegolmSessionData, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	payload, err := olm.DecryptExport(blob, password)
	if err != nil {
		return nil, fmt.Errorf("cannot open %s: %w", path, err)
	}
	var entries []*event.MegolmSessionData
	if err := json.Unmarshal(payload, &entries); err != nil {
		return nil, fmt.Errorf("cannot parse %s: %w", path, err)
	}
	return entries, nil
}
