package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the bot and the delivery loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context())
	},
}

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run a single delivery loop tick and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().TickOnce(cmd.Context())
	},
}

var (
	sendNowUser int64
	sendNowChat int64
)

var sendNowCmd = &cobra.Command{
	Use:   "send-now",
	Short: "Render and post one chart immediately",
	RunE: func(cmd *cobra.Command, args []string) error {
		if sendNowChat == 0 {
			return fmt.Errorf("--chat is required")
		}
		return getApp().SendNow(cmd.Context(), sendNowUser, sendNowChat)
	},
}

var diagnoseUser int64

var diagnoseCmd = &cobra.Command{
	Use:   "diagnose",
	Short: "Check the data source with the stored settings without sending anything",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Diagnose(cmd.Context(), diagnoseUser, cmd.OutOrStdout())
	},
}

func init() {
	sendNowCmd.Flags().Int64Var(&sendNowChat, "chat", 0, "Destination chat id")
	sendNowCmd.Flags().Int64Var(&sendNowUser, "user", 0, "User whose settings apply (0 for global)")
	diagnoseCmd.Flags().Int64Var(&diagnoseUser, "user", 0, "User whose settings apply (0 for global)")
}
