package main

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/weathermcp/utils"
	"github.com/spf13/cobra"
)

func newToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Print the registered tool definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			server, err := newServer(cfg)
			if err != nil {
				return err
			}

			list := server.ListTools()
			format, _ := cmd.Flags().GetString("format")
			switch format {
			case "json":
				_, err = fmt.Fprintln(cmd.OutOrStdout(), utils.ToJSONIndent(list))
			case "yaml":
				var y string
				y, err = utils.ToYAML(list)
				if err == nil {
					_, err = fmt.Fprint(cmd.OutOrStdout(), y)
				}
			default:
				return errors.Errorf("unsupported format: %q", format)
			}
			return err
		},
	}
	cmd.Flags().String("format", "json", "Output format: json|yaml")
	return cmd
}
