package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"product-data-generator/internal/app"
	"product-data-generator/internal/models"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage bulk generation queues",
	}
	queueCmd.AddCommand(newQueueListCommand(ctx))
	queueCmd.AddCommand(newQueueShowCommand(ctx))
	queueCmd.AddCommand(newQueueCreateCommand(ctx))
	queueCmd.AddCommand(newQueuePreviewCommand(ctx))
	queueCmd.AddCommand(newQueueTransitionCommand(ctx, "start", "Plan and start processing a queue, or resume a paused one"))
	queueCmd.AddCommand(newQueueTransitionCommand(ctx, "pause", "Pause a processing queue"))
	queueCmd.AddCommand(newQueueTransitionCommand(ctx, "reset", "Return a queue to draft"))
	queueCmd.AddCommand(newQueueDeleteCommand(ctx))
	return queueCmd
}

func newQueueListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List queues, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(a *app.App) error {
				queues, err := a.Processor.List(cmd.Context())
				if err != nil {
					return err
				}
				if *ctx.jsonFlag {
					return writeJSON(cmd, queues)
				}
				if len(queues) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No queues")
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderQueues(queues))
				return nil
			})
		},
	}
}

func newQueueShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a queue and its recorded results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(a *app.App) error {
				q, err := a.Processor.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				results, err := a.Processor.Results(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if *ctx.jsonFlag {
					return writeJSON(cmd, map[string]any{"queue": q, "results": results})
				}
				out := cmd.OutOrStdout()
				fmt.Fprintln(out, renderQueueDetail(q, shouldColorize(out)))
				if len(results) > 0 {
					fmt.Fprintln(out, renderResults(results))
				}
				return nil
			})
		},
	}
}

func newQueueCreateCommand(ctx *commandContext) *cobra.Command {
	var (
		title       string
		sel         string
		tasks       []string
		skip        bool
		batchSize   int
		delay       int
		retryFailed bool
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a draft queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := models.QueueConfig{
				Title:        title,
				Selector:     sel,
				TaskOptions:  models.DefaultTaskOptions(),
				BatchSize:    batchSize,
				DelaySeconds: delay,
				RetryFailed:  retryFailed,
			}
			for _, id := range tasks {
				cfg.Tasks = append(cfg.Tasks, models.TaskConfig{ID: id, Enabled: true, SkipIfGenerated: skip})
			}
			return ctx.withApp(cmd, func(a *app.App) error {
				q, err := a.Processor.Create(cmd.Context(), cfg)
				if err != nil {
					return err
				}
				if *ctx.jsonFlag {
					return writeJSON(cmd, q)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created queue %s (%s)\n", q.ID, q.Status)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "Queue title")
	cmd.Flags().StringVar(&sel, "selector", "{}", "Product selector (JSON object or query string)")
	cmd.Flags().StringSliceVar(&tasks, "task", []string{"product_description"}, "Task to enable (repeatable)")
	cmd.Flags().BoolVar(&skip, "skip-generated", false, "Skip products that already have generated text for a task")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "Items per batch tick (0 uses the default)")
	cmd.Flags().IntVar(&delay, "delay", 0, "Seconds between batch ticks (0 uses the default)")
	cmd.Flags().BoolVar(&retryFailed, "retry-failed", false, "Retry failed generations with backoff")
	return cmd
}

func newQueuePreviewCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "preview <id>",
		Short: "Dry-run the planner for a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(a *app.App) error {
				preview, err := a.Processor.Preview(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if *ctx.jsonFlag {
					return writeJSON(cmd, preview)
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderPreview(preview))
				return nil
			})
		},
	}
}

func newQueueTransitionCommand(ctx *commandContext, action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(a *app.App) error {
				var (
					q   models.Queue
					err error
				)
				switch action {
				case "start":
					q, err = a.Processor.Start(cmd.Context(), args[0])
				case "pause":
					q, err = a.Processor.Pause(cmd.Context(), args[0])
				default:
					q, err = a.Processor.Reset(cmd.Context(), args[0])
				}
				if err != nil {
					return err
				}
				if *ctx.jsonFlag {
					return writeJSON(cmd, q)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Queue %s is %s (%s)\n", q.ID, q.Status, progressLabel(q.Progress))
				return nil
			})
		},
	}
}

func newQueueDeleteCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a queue and cancel its pending jobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(a *app.App) error {
				if err := a.Processor.Delete(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted queue %s\n", args[0])
				return nil
			})
		},
	}
}

func newTemplatesCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "templates",
		Short: "List prompt templates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(a *app.App) error {
				defs := a.Templates.List()
				if *ctx.jsonFlag {
					return writeJSON(cmd, defs)
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTemplates(defs))
				return nil
			})
		},
	}
}

func newLockCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "lock",
		Short: "Show which queue holds the processing slot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(a *app.App) error {
				state, err := a.Processor.CheckLock(cmd.Context())
				if err != nil {
					return err
				}
				if *ctx.jsonFlag {
					return writeJSON(cmd, state)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintln(out, renderLockLine(state, shouldColorize(out)))
				return nil
			})
		},
	}
}
