package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// FallbackListEntry is one row of `fallback list --json`.
type FallbackListEntry struct {
	EntityID    string    `json:"entity_id"`
	Kind        string    `json:"kind,omitempty"`
	Bytes       int       `json:"bytes"`
	SavedAt     time.Time `json:"saved_at"`
	BaseVersion int64     `json:"base_version"`
	Digest      string    `json:"digest"`
}

// NewFallbackCommand creates the fallback command group.
func NewFallbackCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fallback",
		Short: "Inspect and reconcile the local fallback store",
	}
	cmd.AddCommand(newFallbackListCommand(rootOpts))
	cmd.AddCommand(newFallbackPushCommand(rootOpts))
	return cmd
}

func newFallbackListCommand(rootOpts *RootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List content parked in the local fallback store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			local, closeLocal, err := openLocal(rootOpts.Config())
			if err != nil {
				return err
			}
			defer closeLocal()

			entries, err := local.ListFallback(cmd.Context())
			if err != nil {
				return err
			}

			rows := make([]FallbackListEntry, 0, len(entries))
			for _, e := range entries {
				rows = append(rows, FallbackListEntry{
					EntityID:    e.EntityID,
					Kind:        string(e.Kind),
					Bytes:       len(e.Content),
					SavedAt:     e.SavedAt,
					BaseVersion: e.Base.Version,
					Digest:      e.Digest,
				})
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(rows)
			}
			if len(rows) == 0 {
				fmt.Fprintln(out, "No fallback entries.")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ENTITY\tKIND\tBYTES\tBASE\tSAVED")
			for _, r := range rows {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n",
					r.EntityID, r.Kind, r.Bytes, r.BaseVersion, r.SavedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output JSON")
	return cmd
}

func newFallbackPushCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "push",
		Short: "Save every fallback entry to the gateway and drop the confirmed ones",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := openRuntime(ctx, rootOpts.Config())
			if err != nil {
				return err
			}
			defer rt.Close()

			n, pushErr := rt.ws.PushFallback(ctx)
			if err := rt.ws.Shutdown(ctx); err != nil && pushErr == nil {
				pushErr = err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pushed %d fallback entries.\n", n)
			return pushErr
		},
	}
}
