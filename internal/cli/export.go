package cli

import (
	"github.com/spf13/cobra"

	"radar-chart-bot/internal/app"
)

var (
	exportUser    int64
	exportPNGPath string
	exportCSVPath string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Fetch the current ranking and write it as PNG and/or CSV",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ExportOptions{
			UserID:  exportUser,
			PNGPath: exportPNGPath,
			CSVPath: exportCSVPath,
		}
		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().Int64Var(&exportUser, "user", 0, "User whose settings apply (0 for global)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
}
