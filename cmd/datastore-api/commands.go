package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newMigrateCommand() *cobra.Command {
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Inspect and run migrations",
	}
	migrateCmd.AddCommand(
		&cobra.Command{
			Use:   "migrate",
			Short: "Stage migrated events without touching the live log",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApplication(func(app *application) error {
					if err := app.engine.Migrate(cmd.Context()); err != nil {
						return err
					}
					return printStats(cmd, app)
				})
			},
		},
		&cobra.Command{
			Use:   "finalize",
			Short: "Stage remaining positions and replace the live log",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApplication(func(app *application) error {
					if err := app.engine.Finalize(cmd.Context()); err != nil {
						return err
					}
					return printStats(cmd, app)
				})
			},
		},
		&cobra.Command{
			Use:   "reset",
			Short: "Drop staged migration data",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApplication(func(app *application) error {
					return app.engine.Reset(cmd.Context())
				})
			},
		},
		&cobra.Command{
			Use:   "stats",
			Short: "Print migration progress",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApplication(func(app *application) error {
					return printStats(cmd, app)
				})
			},
		},
	)
	return migrateCmd
}

func newImportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Import a snapshot into an empty datastore",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			source, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer source.Close()
			return withApplication(func(app *application) error {
				position, err := app.snapshots.Import(cmd.Context(), source)
				if err != nil {
					return err
				}
				app.logger.Info("snapshot imported", zap.String("file", args[0]), zap.Int64("position", position))
				return nil
			})
		},
	}
}

func newExportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "export [file]",
		Short: "Export the current models as a snapshot, to stdout when no file is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var target io.Writer = cmd.OutOrStdout()
			if len(args) == 1 {
				file, err := os.Create(args[0])
				if err != nil {
					return err
				}
				defer file.Close()
				target = file
			}
			return withApplication(func(app *application) error {
				return app.snapshots.Export(cmd.Context(), target)
			})
		},
	}
}

func newTruncateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "truncate",
		Short: "Delete all data (dev mode only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(func(app *application) error {
				return app.writer.TruncateDB(cmd.Context())
			})
		},
	}
}

func newTrimCollectionFieldsCommand() *cobra.Command {
	var retention time.Duration
	trimCmd := &cobra.Command{
		Use:   "trim-collectionfields",
		Short: "Drop collectionfield links of positions older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(func(app *application) error {
				window := retention
				if window <= 0 {
					window = app.config.CollectionFieldTrim
				}
				if window <= 0 {
					return fmt.Errorf("a positive --retention or collectionfields.retention is required")
				}
				removed, err := app.writer.TrimCollectionFields(cmd.Context(), window)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d collectionfield links\n", removed)
				return nil
			})
		},
	}
	trimCmd.Flags().DurationVar(&retention, "retention", 0, "Retention window, overrides collectionfields.retention")
	return trimCmd
}

func withApplication(run func(app *application) error) error {
	app, err := openApplication()
	if err != nil {
		return err
	}
	defer app.Close()
	return run(app)
}

func printStats(cmd *cobra.Command, app *application) error {
	stats, err := app.engine.Stats(cmd.Context())
	if err != nil {
		return err
	}
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(stats)
}
