package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/nourish/backend/internal/models"
	"github.com/kimhsiao/nourish/backend/internal/services"
	"github.com/kimhsiao/nourish/backend/internal/store"
)

func kindsUsage() string {
	names := make([]string, 0, len(models.Kinds()))
	for _, k := range models.Kinds() {
		names = append(names, string(k))
	}
	return strings.Join(names, ", ")
}

func (c *cli) saveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "save <kind> [json|-]",
		Short: "Save a record locally and queue it for sync",
		Long: "Save decodes the JSON document as a record of the given kind and writes it to the local store.\n" +
			"A missing id is generated. With no document, or \"-\", it is read from stdin.\n\nKinds: " + kindsUsage(),
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data []byte
			if len(args) == 2 && args[1] != "-" {
				data = []byte(args[1])
			} else {
				var err error
				if data, err = io.ReadAll(cmd.InOrStdin()); err != nil {
					return fmt.Errorf("reading stdin: %w", err)
				}
			}
			return c.withService(cmd.Context(), func(svc *services.SyncService) error {
				r, err := svc.SaveJSON(cmd.Context(), models.Kind(args[0]), data)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), r.Meta().ID)
				return nil
			})
		},
	}
}

func (c *cli) getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <kind> <id>",
		Short: "Show one record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withService(cmd.Context(), func(svc *services.SyncService) error {
				r, err := svc.Store().Get(cmd.Context(), models.Kind(args[0]), args[1])
				if err != nil {
					return err
				}
				return c.renderRecords(cmd.OutOrStdout(), []models.Record{r})
			})
		},
	}
}

func (c *cli) listCmd() *cobra.Command {
	var from, to, status string
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "list <kind>",
		Short: "List visible records, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := store.Filter{Status: models.SyncStatus(status), Limit: limit, Offset: offset}
			var err error
			if f.From, err = parseTime(from); err != nil {
				return err
			}
			if f.To, err = parseTime(to); err != nil {
				return err
			}
			return c.withService(cmd.Context(), func(svc *services.SyncService) error {
				records, err := svc.Store().Query(cmd.Context(), models.Kind(args[0]), f)
				if err != nil {
					return err
				}
				return c.renderRecords(cmd.OutOrStdout(), records)
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "earliest occurrence (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&to, "to", "", "latest occurrence (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&status, "status", "", "only rows with this sync status (synced, pending, failed)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum rows")
	cmd.Flags().IntVar(&offset, "offset", 0, "rows to skip")
	return cmd
}

func (c *cli) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <kind> <id>",
		Short: "Soft-delete a record and queue the delete",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withService(cmd.Context(), func(svc *services.SyncService) error {
				if err := svc.Store().SoftDelete(cmd.Context(), models.Kind(args[0]), args[1]); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render("deleted "+args[1]))
				return nil
			})
		},
	}
}

func (c *cli) purgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Remove tombstones whose delete has been confirmed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withService(cmd.Context(), func(svc *services.SyncService) error {
				n, err := svc.Store().PurgeDeleted(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "purged %d tombstones\n", n)
				return nil
			})
		},
	}
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation("2006-01-02", s, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: want RFC3339 or YYYY-MM-DD", s)
	}
	return t, nil
}
