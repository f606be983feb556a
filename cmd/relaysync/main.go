// Command relaysync runs a replication session between a local document
// store and a remote websocket endpoint.
package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/relaysync/internal/checkpoint"
	"github.com/agentworkforce/relaysync/internal/localstore"
	"github.com/agentworkforce/relaysync/internal/replsession"
	"github.com/agentworkforce/relaysync/internal/wsengine"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		configPath string
		flags      fileConfig
	)
	root := &cobra.Command{
		Use:           "relaysync",
		Short:         "replicate a local document store to a remote endpoint",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	root.PersistentFlags().StringVar(&flags.Target, "target", "", "remote websocket URL")
	root.PersistentFlags().StringVar(&flags.StorePath, "store", "", "path to the local sqlite store (empty for in-memory)")
	root.PersistentFlags().StringVar(&flags.CheckpointDSN, "checkpoints", "", "checkpoint backend DSN (file://, sqlite://, postgres://, memory://)")
	root.PersistentFlags().StringVar(&flags.Push, "push", "", "push mode: off, one-shot, continuous")
	root.PersistentFlags().StringVar(&flags.Pull, "pull", "", "pull mode: off, one-shot, continuous")
	root.PersistentFlags().StringSliceVar(&flags.DocIDs, "doc-ids", nil, "restrict replication to these document IDs")

	root.AddCommand(newRunCommand(&configPath, &flags))
	root.AddCommand(newPendingCommand(&configPath, &flags))
	return root
}

func resolveConfig(configPath string, flags fileConfig) (*fileConfig, error) {
	cfg, err := loadConfigFile(configPath)
	if err != nil {
		return nil, err
	}
	cfg.merge(flags)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type sessionDeps struct {
	store       localstore.Store
	checkpoints checkpoint.Backend
	variant     *wsengine.RemoteVariant
	logger      *log.Logger
}

func buildDeps(cfg *fileConfig) (*sessionDeps, error) {
	logger := log.New(os.Stderr, "relaysync ", log.LstdFlags)

	var (
		store localstore.Store
		err   error
	)
	if cfg.StorePath == "" {
		store = localstore.NewMemoryStore()
	} else {
		store, err = localstore.NewSQLiteStore(cfg.StorePath)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
	}
	checkpoints, err := checkpoint.BuildBackendFromDSN(cfg.CheckpointDSN)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("open checkpoint backend: %w", err)
	}
	variant, err := wsengine.NewRemoteVariant(wsengine.VariantConfig{
		URL:         cfg.Target,
		Store:       store,
		Checkpoints: checkpoints,
		Logger:      logger,
		StorePath:   cfg.StorePath,
	})
	if err != nil {
		_ = checkpoints.Close()
		_ = store.Close()
		return nil, err
	}
	return &sessionDeps{
		store:       store,
		checkpoints: checkpoints,
		variant:     variant,
		logger:      logger,
	}, nil
}

func (d *sessionDeps) close() {
	_ = d.variant.Close()
	_ = d.checkpoints.Close()
	_ = d.store.Close()
}

func newRunCommand(configPath *string, flags *fileConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "run the replication session until it stops or is interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(*configPath, *flags)
			if err != nil {
				return err
			}
			opts, err := cfg.sessionOptions()
			if err != nil {
				return err
			}
			deps, err := buildDeps(cfg)
			if err != nil {
				return err
			}
			defer deps.close()

			done := make(chan replsession.Status, 1)
			session, err := replsession.NewSession(replsession.Config{
				Options:     opts,
				Variant:     deps.variant,
				Store:       deps.store,
				Checkpoints: deps.checkpoints,
				Logger:      deps.logger,
				OnStatusChanged: func(status replsession.Status, _ any) {
					if status.Level == replsession.LevelStopped {
						select {
						case done <- status:
						default:
						}
					}
				},
			})
			if err != nil {
				return err
			}
			defer session.Close()
			deps.variant.Bind(session)

			if err := session.Start(); err != nil {
				return err
			}

			interrupt := make(chan os.Signal, 1)
			signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(interrupt)

			for {
				select {
				case <-interrupt:
					deps.logger.Printf("interrupted, stopping session %s", session.ID())
					session.Stop()
				case status := <-done:
					if status.Err != nil {
						return fmt.Errorf("replication failed: %w", status.Err)
					}
					return nil
				}
			}
		},
	}
}

func newPendingCommand(configPath *string, flags *fileConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "list documents with unreplicated local changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(*configPath, *flags)
			if err != nil {
				return err
			}
			opts, err := cfg.sessionOptions()
			if err != nil {
				return err
			}
			deps, err := buildDeps(cfg)
			if err != nil {
				return err
			}
			defer deps.close()

			session, err := replsession.NewSession(replsession.Config{
				Options:     opts,
				Variant:     deps.variant,
				Store:       deps.store,
				Checkpoints: deps.checkpoints,
				Logger:      deps.logger,
			})
			if err != nil {
				return err
			}
			defer session.Close()

			ids, err := session.PendingDocumentIDs()
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
}
