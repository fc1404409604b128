package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func inspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <file>",
		Short: "List the sessions an export file carries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := readExport(args[0])
			if err != nil {
				return err
			}
			rooms := make(map[string]int)
			for _, entry := range entries {
				rooms[entry.RoomID]++
				forwarded := ""
				if len(entry.ForwardingCurve25519KeyChain) > 0 {
					forwarded = fmt.Sprintf(" (forwarded %d hops)", len(entry.ForwardingCurve25519KeyChain))
				}
				fmt.Printf("%s  %s  sender=%s%s\n",
					entry.RoomID, entry.SessionID, entry.SenderKey, forwarded)
			}
			fmt.Printf("%d sessions across %d rooms\n", len(entries), len(rooms))
			return nil
		},
	}
}
