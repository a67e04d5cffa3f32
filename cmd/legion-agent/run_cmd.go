package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/legionhq/legion-agent/access"
	"github.com/legionhq/legion-agent/credentials"
	"github.com/legionhq/legion-agent/dispatch"
	"github.com/legionhq/legion-agent/fingerprint"
	"github.com/legionhq/legion-agent/fsops"
	"github.com/legionhq/legion-agent/logger"
	"github.com/legionhq/legion-agent/paths"
	"github.com/legionhq/legion-agent/protocol"
	"github.com/legionhq/legion-agent/settings"
	"github.com/legionhq/legion-agent/supervisor"
)

func newRunCommand() *cobra.Command {
	var debug bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the control server and serve requests until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			logPath, err := logger.DefaultLogPath()
			if err != nil {
				return err
			}
			if err := logger.Init(logPath); err != nil {
				return err
			}
			defer logger.Close()

			settingsPath, err := paths.SettingsFilePath()
			if err != nil {
				return err
			}
			set, err := settings.Load(settingsPath)
			if err != nil {
				return fmt.Errorf("load settings: %w", err)
			}
			logger.SetLevel(set.LogLevel)
			if debug {
				logger.SetDebug(true)
			}

			store, err := openStore()
			if err != nil {
				return err
			}

			devicePath, err := paths.DeviceIDFilePath()
			if err != nil {
				return err
			}

			log := logger.WithComponent("agent")
			sup := supervisor.New(supervisor.Config{
				Store:    store,
				Settings: set,
				Registry: dispatch.NewDefaultRegistry(
					access.NewGuard(logger.WithComponent("access")),
					fsops.NewService(logger.WithComponent("fsops")),
				),
				Fingerprint: &fingerprint.Fingerprinter{FallbackPath: devicePath},
				Log:         log,
			})

			log.Info("agent starting", "version", protocol.AgentVersion)
			if err := sup.Run(cmd.Context()); err != nil {
				if errors.Is(err, context.Canceled) {
					log.Info("agent stopped")
					return nil
				}
				log.Error("agent exiting", "error", err)
				return err
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	return cmd
}

// openStore loads the credential file, translating the uninitialized case
// into actionable CLI guidance.
func openStore() (*credentials.Store, error) {
	cfgPath, err := paths.ConfigFilePath()
	if err != nil {
		return nil, err
	}
	store := credentials.NewStore(cfgPath, logger.WithComponent("credentials"))
	if err := store.Load(); err != nil {
		if errors.Is(err, credentials.ErrNotInitialized) {
			return nil, fmt.Errorf("no credentials at %s: run 'legion-agent login' first", cfgPath)
		}
		return nil, err
	}
	return store, nil
}
