package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"radar-chart-bot/internal/app"
)

var settingsUser int64

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Manage source settings",
}

var settingsSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Set mode, token or preset for the global scope or one user",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.SettingsOptions{UserID: settingsUser}
		flags := cmd.Flags()
		if flags.Changed("mode") {
			v, _ := flags.GetString("mode")
			opts.Mode = &v
		}
		if flags.Changed("token") {
			v, _ := flags.GetString("token")
			opts.Token = &v
		}
		if flags.Changed("preset") {
			v, _ := flags.GetString("preset")
			opts.Preset = &v
		}
		if opts.Mode == nil && opts.Token == nil && opts.Preset == nil {
			return fmt.Errorf("nothing to change; pass --mode, --token or --preset")
		}
		return getApp().SetSettings(cmd.Context(), opts)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Migrate(cmd.Context())
	},
}

func init() {
	settingsSetCmd.Flags().Int64Var(&settingsUser, "user", 0, "User id (0 for the global scope)")
	settingsSetCmd.Flags().String("mode", "", "public, token or auto (empty clears)")
	settingsSetCmd.Flags().String("token", "", "API token (empty clears)")
	settingsSetCmd.Flags().String("preset", "", "1d, 7d, 14d, 28d, 1m, 3m, 6m or 1y (empty clears)")

	settingsCmd.AddCommand(settingsSetCmd)
}
