package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/legionhq/legion-agent/credentials"
	"github.com/legionhq/legion-agent/fingerprint"
	"github.com/legionhq/legion-agent/logger"
	"github.com/legionhq/legion-agent/paths"
)

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the stored configuration without connecting",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			cfgPath, err := paths.ConfigFilePath()
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "config:      %s\n", cfgPath)
			if paths.IsLegacyLayout() {
				fmt.Fprintln(out, "layout:      legacy (~/.legion)")
			}

			store := credentials.NewStore(cfgPath, logger.WithComponent("credentials"))
			if err := store.Load(); err != nil {
				if errors.Is(err, credentials.ErrNotInitialized) {
					fmt.Fprintln(out, "credentials: not set (run 'legion-agent login')")
					return nil
				}
				return err
			}
			creds, err := store.Current()
			if err != nil {
				return err
			}

			fmt.Fprintf(out, "server:      %s\n", creds.ServerURL)
			if creds.ID != "" {
				fmt.Fprintf(out, "device id:   %s\n", creds.ID)
			}
			fmt.Fprintf(out, "token:       %s\n", maskToken(creds.Token))
			fmt.Fprintf(out, "allowed:     %s\n", strings.Join(creds.AllowedRoots(), ", "))

			devicePath, err := paths.DeviceIDFilePath()
			if err != nil {
				return err
			}
			fp := &fingerprint.Fingerprinter{FallbackPath: devicePath}
			if print, err := fp.Get(); err == nil {
				fmt.Fprintf(out, "fingerprint: %s\n", print)
			}
			return nil
		},
	}
}

func maskToken(token string) string {
	if len(token) <= 8 {
		return strings.Repeat("*", len(token))
	}
	return token[:4] + strings.Repeat("*", 4) + token[len(token)-4:]
}
