package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"signboard/internal/app"
)

type checkResult struct {
	Valid bool   `json:"valid"`
	Path  string `json:"path"`
	Error string `json:"error,omitempty"`
}

// NewCheckConfigCommand parses and validates the config file.
func NewCheckConfigCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the config file and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := app.CheckConfig(rootOpts.ConfigPath, nil)
			res := checkResult{Valid: err == nil, Path: rootOpts.ConfigPath}
			if err != nil {
				res.Error = err.Error()
			}

			out := cmd.OutOrStdout()
			if rootOpts.Format == "json" {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if eerr := enc.Encode(res); eerr != nil {
					return eerr
				}
			} else if err == nil {
				fmt.Fprintf(out, "config ok: %s\n", res.Path)
			}
			if err != nil {
				return fmt.Errorf("invalid config %s: %w", rootOpts.ConfigPath, err)
			}
			return nil
		},
	}
}
