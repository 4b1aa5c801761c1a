package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"notesync/internal/contextutil"
	"notesync/internal/importer"
	"notesync/internal/model"
	"notesync/internal/storage"
	"notesync/internal/validation"
)

func newNotesCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notes",
		Short: "Inspect and edit the local store",
		Long: `Local edits are marked dirty and sent to the note service by the next
synchronization.`,
	}
	cmd.AddCommand(
		newNotesListCmd(c),
		newNotesCreateCmd(c),
		newNotesUpdateCmd(c),
		newNotesDeleteCmd(c),
		newNotesImportCmd(c),
	)
	return cmd
}

// withStore opens the local store for the duration of fn.
func (c *cli) withStore(cmd *cobra.Command, fn func(ctx context.Context, w *storage.Worker) error) error {
	s, err := openStore(c.cfg)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(cmd.Context(), s.worker)
}

func newNotesListCmd(c *cli) *cobra.Command {
	var (
		kindName string
		all      bool
		since    int64
		jsonOut  bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List local entities of one kind",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := model.ParseKind(kindName)
			if err != nil {
				return err
			}
			return c.withStore(cmd, func(ctx context.Context, w *storage.Worker) error {
				var es []model.Entity
				if since > 0 {
					es, err = w.ListSinceUSN(ctx, kind, since)
				} else {
					es, err = w.ListByKind(ctx, kind, all)
				}
				if err != nil {
					return fmt.Errorf("failed to list %s entities: %w", kind, err)
				}
				return printEntities(cmd.OutOrStdout(), es, jsonOut)
			})
		},
	}
	cmd.Flags().StringVar(&kindName, "kind", model.KindNote.String(), "Entity kind: note, notebook, tag, saved_search, linked_notebook or resource")
	cmd.Flags().BoolVar(&all, "all", false, "Include deleted entities")
	cmd.Flags().Int64Var(&since, "since", 0, "Only entities changed remotely after this update sequence number")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output in JSON format")
	return cmd
}

func newNotesCreateCmd(c *cli) *cobra.Command {
	var notebook, title, content string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a local note",
		Long: `Create a note in the notebook given by local ID or name. A notebook
name that matches nothing creates a new local notebook.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStore(cmd, func(ctx context.Context, w *storage.Worker) error {
				nb, isNew, err := resolveNotebook(ctx, w, notebook)
				if err != nil {
					return err
				}
				note := model.NewNote(nb.LocalID, title, content)
				note.ParentGUID = nb.GUID
				if err := validation.Check(note); err != nil {
					return err
				}
				es := []model.Entity{note}
				if isNew {
					es = []model.Entity{nb, note}
				}
				if err := w.PutMany(ctx, es); err != nil {
					return fmt.Errorf("failed to save note: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), note.LocalID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&notebook, "notebook", "", "Notebook local ID or name")
	cmd.Flags().StringVar(&title, "title", "", "Note title")
	cmd.Flags().StringVar(&content, "content", "", "Note content")
	_ = cmd.MarkFlagRequired("notebook")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func newNotesUpdateCmd(c *cli) *cobra.Command {
	var title, content string

	cmd := &cobra.Command{
		Use:   "update <local-id>",
		Short: "Edit the title or content of a local entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("title") && !cmd.Flags().Changed("content") {
				return errors.New("nothing to update: set --title or --content")
			}
			return c.withStore(cmd, func(ctx context.Context, w *storage.Worker) error {
				e, err := findLocal(ctx, w, args[0])
				if err != nil {
					return err
				}
				if cmd.Flags().Changed("title") {
					e.Name = title
				}
				if cmd.Flags().Changed("content") {
					e.Content = content
				}
				e.Dirty = true
				e.Updated = time.Now().UTC()
				if err := validation.Check(e); err != nil {
					return err
				}
				if _, err := w.Put(ctx, e); err != nil {
					return fmt.Errorf("failed to save %s: %w", e.Kind, err)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "New title or name")
	cmd.Flags().StringVar(&content, "content", "", "New content")
	return cmd
}

func newNotesDeleteCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <local-id>",
		Short: "Delete a local entity",
		Long: `Entities the note service has never seen are removed at once. Others
become tombstones that the next synchronization sends.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStore(cmd, func(ctx context.Context, w *storage.Worker) error {
				e, err := findLocal(ctx, w, args[0])
				if err != nil {
					return err
				}
				if e.IsLocalOnly() {
					return w.Delete(ctx, e.LocalID)
				}
				e.Deleted = true
				e.Dirty = true
				e.Updated = time.Now().UTC()
				_, err = w.Put(ctx, e)
				return err
			})
		},
	}
}

func newNotesImportCmd(c *cli) *cobra.Command {
	var notebook string

	cmd := &cobra.Command{
		Use:   "import <dir>",
		Short: "Import a directory of markdown files as local notes",
		Long: `Each markdown file becomes a note titled after its first heading. Files
in a sub-folder go to the notebook named after the folder, the others to
--notebook. Importing the same directory again updates changed notes.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStore(cmd, func(ctx context.Context, w *storage.Worker) error {
				ctx = contextutil.WithLogger(ctx, c.logger)
				res, err := importer.New(w).Import(ctx, args[0], notebook)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created %d, updated %d, unchanged %d, skipped %d\n",
					res.Created, res.Updated, res.Unchanged, res.Skipped)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&notebook, "notebook", "Imported", "Notebook for files at the top of the directory")
	return cmd
}

func findLocal(ctx context.Context, w *storage.Worker, localID string) (model.Entity, error) {
	e, err := w.FindByLocalID(ctx, localID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && e.Deleted) {
		return model.Entity{}, fmt.Errorf("no entity with local ID %q", localID)
	}
	if err != nil {
		return model.Entity{}, err
	}
	return *e, nil
}

// resolveNotebook finds a notebook by local ID or name. A name that matches
// nothing yields a new notebook that the caller still has to store.
func resolveNotebook(ctx context.Context, w *storage.Worker, ref string) (model.Entity, bool, error) {
	if e, err := w.FindByLocalID(ctx, ref); err == nil && e.Kind == model.KindNotebook && !e.Deleted {
		return *e, false, nil
	} else if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return model.Entity{}, false, err
	}

	notebooks, err := w.ListByKind(ctx, model.KindNotebook, false)
	if err != nil {
		return model.Entity{}, false, err
	}
	for _, nb := range notebooks {
		if nb.Name == ref {
			return nb, false, nil
		}
	}

	nb := model.New(model.KindNotebook, ref)
	if err := validation.Check(nb); err != nil {
		return model.Entity{}, false, err
	}
	return nb, true, nil
}

func printEntities(out io.Writer, es []model.Entity, jsonOut bool) error {
	if jsonOut {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(es)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LOCAL ID\tGUID\tUSN\tFLAGS\tNAME")
	for _, e := range es {
		flags := ""
		if e.Dirty {
			flags += "D"
		}
		if e.Deleted {
			flags += "X"
		}
		if flags == "" {
			flags = "-"
		}
		guid := e.GUID
		if guid == "" {
			guid = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", e.LocalID, guid, e.USN, flags, e.Name)
	}
	return tw.Flush()
}
