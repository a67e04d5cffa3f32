package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/legionhq/legion-agent/credentials"
	"github.com/legionhq/legion-agent/logger"
	"github.com/legionhq/legion-agent/paths"
)

func newLoginCommand() *cobra.Command {
	var (
		server string
		token  string
		id     string
		allow  []string
	)
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store connection credentials for this device",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, err := paths.ConfigFilePath()
			if err != nil {
				return err
			}
			store := credentials.NewStore(cfgPath, logger.WithComponent("credentials"))
			creds, err := store.Bootstrap(credentials.Credentials{
				ID:           id,
				Token:        token,
				ServerURL:    server,
				AllowedPaths: allow,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "credentials saved to %s (server %s)\n", cfgPath, creds.ServerURL)
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "control server URL (ws://, wss://, http:// or https://)")
	cmd.Flags().StringVar(&token, "token", "", "device token issued by the server")
	cmd.Flags().StringVar(&id, "id", "", "device id, if pre-assigned")
	cmd.Flags().StringArrayVar(&allow, "allow", nil, "directory the server may access (repeatable; defaults to the home directory)")
	cmd.MarkFlagRequired("server")
	cmd.MarkFlagRequired("token")
	return cmd
}
