package main

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"maunium.net/go/mautrix/id"

	"roomline/internal/app"
	"roomline/pkg/models"
	"roomline/pkg/store"
	"roomline/pkg/timeline"
)

// withStore opens only the chain store, for commands that never fetch.
func withStore(ctx context.Context, opts *rootOptions, fn func(store.Store) error) error {
	cfg, err := opts.load()
	if err != nil {
		return err
	}
	log, err := loggerFor(cfg, true)
	if err != nil {
		return err
	}
	defer log.Sync()
	st, err := app.OpenStore(ctx, cfg.Store, log)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(st)
}

func newInspectCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <room>",
		Short: "Print a room's stored chain with its gaps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			roomID := id.RoomID(args[0])
			return withStore(cmd.Context(), opts, func(st store.Store) error {
				room, err := st.GetRoom(cmd.Context(), roomID)
				if err != nil {
					return err
				}
				if room == nil {
					return errors.Newf("room %s is not stored", roomID)
				}
				var events []*models.TimelineEvent
				err = st.ScanRoom(cmd.Context(), roomID, func(ev *models.TimelineEvent) error {
					events = append(events, ev)
					return nil
				})
				if err != nil {
					return err
				}
				renderRoom(cmd.OutOrStdout(), room, events)
				return nil
			})
		},
	}
}

func newVerifyCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify [rooms...]",
		Short: "Check chain links and cursors, all rooms when none are named",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), opts, func(st store.Store) error {
				rooms := make([]id.RoomID, 0, len(args))
				for _, arg := range args {
					rooms = append(rooms, id.RoomID(arg))
				}
				if len(rooms) == 0 {
					var err error
					if rooms, err = st.ListRooms(cmd.Context()); err != nil {
						return err
					}
				}
				bad := 0
				for _, roomID := range rooms {
					violations, err := timeline.Verify(cmd.Context(), st, roomID)
					if err != nil {
						return err
					}
					if !renderViolations(cmd.OutOrStdout(), roomID, violations) {
						bad++
					}
				}
				if bad > 0 {
					return errors.Newf("%d of %d rooms have violations", bad, len(rooms))
				}
				return nil
			})
		},
	}
}

func newBackfillCommand(opts *rootOptions) *cobra.Command {
	var size int
	cmd := &cobra.Command{
		Use:   "backfill <room>",
		Short: "Walk back from the room's tail, fetching missing history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if size <= 0 {
				return errors.Newf("--size must be positive, got %d", size)
			}
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if cfg.Homeserver.URL == "" {
				return errors.New("backfill needs homeserver.url")
			}
			log, err := loggerFor(cfg, true)
			if err != nil {
				return err
			}
			defer log.Sync()

			a, err := app.New(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			roomID := id.RoomID(args[0])
			room, err := a.Store.GetRoom(cmd.Context(), roomID)
			if err != nil {
				return err
			}
			if room == nil || room.LastEventID == "" {
				return errors.Newf("room %s has no stored tail", roomID)
			}
			entries, err := a.Engine.Window(cmd.Context(), roomID, room.LastEventID, timeline.WalkOptions{
				Direction: models.Backwards,
				MinSize:   size,
				MaxSize:   size,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d events from %s\n", okStyle.Sprint("materialised"), len(entries), room.LastEventID)
			if n := len(entries); n > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "oldest %s\n", entries[n-1].EventID)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&size, "size", "n", 50, "number of events to materialise")
	return cmd
}

func newRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the intake workers, sweeper and metrics endpoint until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			log, err := loggerFor(cfg, false)
			if err != nil {
				return err
			}
			defer log.Sync()

			a, err := app.New(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()
			log.Info("roomline_started",
				zap.String("version", version),
				zap.String("store_driver", cfg.Store.Driver),
				zap.String("store_path", cfg.Store.Path),
				zap.Bool("sweeper", cfg.Sweeper.Enabled),
				zap.String("metrics_address", cfg.Metrics.Address))
			err = a.Run(cmd.Context())
			log.Info("roomline_stopped", zap.Error(err))
			return err
		},
	}
}

func newConfigCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Validate and print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			b, err := cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(b)
			return err
		},
	})
	return cmd
}
