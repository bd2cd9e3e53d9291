package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/appedme/sketchflow-sub001/pkg/models"
)

// EditOptions holds flags for the edit command.
type EditOptions struct {
	*RootOptions
	File  string
	Kind  string
	Title string
}

// NewEditCommand creates the edit command.
func NewEditCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EditOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "edit <entity-id>",
		Short: "Replace an entity's content and save it",
		Long: `Open an entity, stage new content read from --file (or stdin with "-")
and save it through the sync protocol. Content that cannot be saved is
parked in the local fallback store.

Examples:
  sketchflow-sync edit doc-1 --file notes.md
  cat board.json | sketchflow-sync edit canvas-9 --kind canvas --file -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEdit(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVarP(&opts.File, "file", "f", "", "file with the new content, - for stdin (required)")
	cmd.Flags().StringVar(&opts.Kind, "kind", string(models.KindDocument), "entity kind (document|canvas)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "tab title")
	cmd.MarkFlagRequired("file")

	return cmd
}

func runEdit(cmd *cobra.Command, opts *EditOptions, id string) error {
	kind := models.EntityKind(opts.Kind)
	if !kind.Valid() {
		return fmt.Errorf("invalid kind %q: must be document or canvas", opts.Kind)
	}

	var (
		content []byte
		err     error
	)
	if opts.File == "-" {
		content, err = io.ReadAll(cmd.InOrStdin())
	} else {
		content, err = os.ReadFile(opts.File)
	}
	if err != nil {
		return fmt.Errorf("read content: %w", err)
	}

	ctx := cmd.Context()
	rt, err := openRuntime(ctx, opts.Config())
	if err != nil {
		return err
	}
	defer rt.Close()

	title := opts.Title
	if title == "" {
		title = id
	}
	if _, err := rt.ws.Open(ctx, id, kind, title); err != nil {
		rt.ws.Shutdown(ctx)
		return fmt.Errorf("open %s: %w", id, err)
	}
	if err := rt.ws.Edit(id, models.Snapshot(content)); err != nil {
		rt.ws.Shutdown(ctx)
		return err
	}

	res, err := rt.ws.Saver.Flush(ctx, id)
	if shutdownErr := rt.ws.Shutdown(ctx); shutdownErr != nil && err == nil {
		err = shutdownErr
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	switch {
	case !res.Dirty:
		fmt.Fprintf(out, "Saved %s (%s, version %d)\n", id, res.Status, res.Revision.Version)
	default:
		fmt.Fprintf(out, "Could not save %s (%s); content kept in the fallback store\n", id, res.Status)
	}
	return res.Err
}
