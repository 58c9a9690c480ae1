package command

import (
	"github.com/spf13/cobra"

	c "sharedws/cmd/cli/command/client"
	"sharedws/internal/protocol"
)

var listenCmd = &cobra.Command{
	Use:   "listen [event-type...]",
	Short: "Print events until interrupted",
	Long: `Attach to the broker and print every event of the given types.
Without arguments the broker's own events are shown (proto-reconnect and toast).
Lines typed on stdin are sent as requests: "<type> [json-data]", /quit exits.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		types := args
		if len(types) == 0 {
			types = []string{protocol.EventReconnect, protocol.EventToast}
		}
		return c.Listen(cmd.Context(), brokerURL, token, types, timeout)
	},
}

func init() {
	rootCmd.AddCommand(listenCmd)
}
