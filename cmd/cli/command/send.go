package command

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	c "sharedws/cmd/cli/command/client"
)

var sendCmd = &cobra.Command{
	Use:   "send <type> [json-data]",
	Short: "Send one request and print the response",
	Long: `Send a request of the given type through the broker and wait for the response.
The optional data argument must be valid JSON, e.g.

  sharedws send echo '{"hello":"world"}'`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var data any
		if len(args) == 2 {
			if !json.Valid([]byte(args[1])) {
				return fmt.Errorf("data is not valid JSON: %s", args[1])
			}
			data = json.RawMessage(args[1])
		}

		conn, err := c.Connect(cmd.Context(), brokerURL, token)
		if err != nil {
			return err
		}
		defer conn.Close()

		resp, err := conn.Send(cmd.Context(), args[0], data, timeout)
		if err != nil {
			c.PrintError(err)
			return err
		}
		c.PrintResponse(resp)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sendCmd)
}
