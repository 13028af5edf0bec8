package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"radar-chart-bot/internal/app"
)

var (
	destTitle    string
	destOwner    int64
	destInterval int
	destListUser int64
)

var destinationsCmd = &cobra.Command{
	Use:     "destinations",
	Aliases: []string{"dest"},
	Short:   "Manage chats that receive scheduled charts",
}

var destAddCmd = &cobra.Command{
	Use:   "add <chat-id>",
	Short: "Register a chat, or re-enable it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID, err := parseChatID(args[0])
		if err != nil {
			return err
		}
		return getApp().AddDestination(cmd.Context(), app.DestinationOptions{
			ChatID:   chatID,
			Title:    destTitle,
			OwnerID:  destOwner,
			Interval: destInterval,
		})
	},
}

var destListCmd = &cobra.Command{
	Use:   "list",
	Short: "List destinations and their schedule state",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ListDestinations(cmd.Context(), destListUser, cmd.OutOrStdout())
	},
}

var destEnableCmd = &cobra.Command{
	Use:   "enable <chat-id>",
	Short: "Resume scheduled charts for a chat",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return toggleDestination(cmd, args[0], true)
	},
}

var destDisableCmd = &cobra.Command{
	Use:   "disable <chat-id>",
	Short: "Stop scheduled charts for a chat without deleting it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return toggleDestination(cmd, args[0], false)
	},
}

var destIntervalCmd = &cobra.Command{
	Use:   "interval <chat-id> <minutes>",
	Short: "Set how often a chat receives charts (3-1440 minutes)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID, err := parseChatID(args[0])
		if err != nil {
			return err
		}
		minutes, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid minutes %q: %w", args[1], err)
		}
		return getApp().SetDestinationInterval(cmd.Context(), chatID, minutes)
	},
}

func toggleDestination(cmd *cobra.Command, raw string, enabled bool) error {
	chatID, err := parseChatID(raw)
	if err != nil {
		return err
	}
	return getApp().SetDestinationEnabled(cmd.Context(), chatID, enabled)
}

func parseChatID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid chat id %q", raw)
	}
	return id, nil
}

func init() {
	destAddCmd.Flags().StringVar(&destTitle, "title", "", "Display title")
	destAddCmd.Flags().Int64Var(&destOwner, "owner", 0, "Telegram user id of the owner, notified on failures")
	destAddCmd.Flags().IntVar(&destInterval, "interval", 0, "Interval in minutes (defaults to config)")
	destListCmd.Flags().Int64Var(&destListUser, "owner", 0, "Only list destinations of this owner")

	destinationsCmd.AddCommand(destAddCmd, destListCmd, destEnableCmd, destDisableCmd, destIntervalCmd)
}
