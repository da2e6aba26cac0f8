package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/nourish/backend/internal/services"
)

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show outbox size, dead letters and last sync times",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withService(cmd.Context(), func(svc *services.SyncService) error {
				st, err := svc.Orchestrator().Status(cmd.Context())
				if err != nil {
					return err
				}
				return c.renderStatus(cmd.OutOrStdout(), st)
			})
		},
	}
}

func (c *cli) syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Push the outbox now, ignoring the throttle window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withService(cmd.Context(), func(svc *services.SyncService) error {
				outcome, err := svc.Orchestrator().ForceSync(cmd.Context())
				if err != nil {
					return err
				}
				return c.renderOutcome(cmd.OutOrStdout(), outcome)
			})
		},
	}
}

func (c *cli) pullCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pull",
		Short: "Push the outbox, then pull every collection from the backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withService(cmd.Context(), func(svc *services.SyncService) error {
				outcome, err := svc.Orchestrator().ForceRefresh(cmd.Context())
				if err != nil {
					return err
				}
				return c.renderOutcome(cmd.OutOrStdout(), outcome)
			})
		},
	}
}

func (c *cli) failedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "failed",
		Short: "List dead-lettered operations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withService(cmd.Context(), func(svc *services.SyncService) error {
				failed, err := svc.Outbox().ListFailed(cmd.Context())
				if err != nil {
					return err
				}
				return c.renderFailed(cmd.OutOrStdout(), failed)
			})
		},
	}
}

func (c *cli) requeueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <failed-id>",
		Short: "Move a dead-lettered operation back into the outbox",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withService(cmd.Context(), func(svc *services.SyncService) error {
				op, err := svc.Store().Requeue(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render(fmt.Sprintf("requeued %s %s/%s", op.Type, op.Collection, op.DocumentID)))
				return nil
			})
		},
	}
}

func (c *cli) discardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discard <failed-id>",
		Short: "Drop a dead-lettered operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withService(cmd.Context(), func(svc *services.SyncService) error {
				if err := svc.Store().DiscardFailed(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render("discarded "+args[0]))
				return nil
			})
		},
	}
}

func (c *cli) conflictsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List automatically resolved conflicts, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withService(cmd.Context(), func(svc *services.SyncService) error {
				entries, err := svc.Outbox().ListConflicts(cmd.Context(), limit)
				if err != nil {
					return err
				}
				return c.renderConflicts(cmd.OutOrStdout(), entries)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum entries")
	return cmd
}
