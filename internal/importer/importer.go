// Package importer turns a directory of markdown files into local notes.
// Imported notes are dirty and local-only, so the next synchronization
// creates them on the note service.
package importer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"notesync/internal/contextutil"
	"notesync/internal/model"
	"notesync/internal/validation"
)

// SourcePathAttr is the note attribute holding the file a note was
// imported from, relative to the imported directory.
const SourcePathAttr = "source_path"

// Store is the part of storage.Worker the importer writes through.
type Store interface {
	ListByKind(ctx context.Context, kind model.Kind, includeDeleted bool) ([]model.Entity, error)
	Put(ctx context.Context, e model.Entity) (model.Entity, error)
}

// Result counts what one import did.
type Result struct {
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	// Skipped files failed validation; they are logged and left out.
	Skipped int `json:"skipped"`
}

// Importer creates and refreshes notes from markdown files.
type Importer struct {
	store  Store
	titles *TitleParser
}

// New creates an Importer writing to store.
func New(store Store) *Importer {
	return &Importer{store: store, titles: NewTitleParser()}
}

// Import scans root. Files in the top-level folder go to defaultNotebook;
// files below it go to the notebook named after their first folder, which
// is created locally when missing. Importing the same directory again
// updates the notes whose title or content changed.
func (im *Importer) Import(ctx context.Context, root, defaultNotebook string) (Result, error) {
	logger := contextutil.LoggerFromContext(ctx)
	var res Result

	files, err := Scan(ctx, root)
	if err != nil {
		return res, err
	}

	notebooks, err := im.notebooksByName(ctx)
	if err != nil {
		return res, err
	}
	imported, err := im.importedNotes(ctx)
	if err != nil {
		return res, err
	}

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		content, err := os.ReadFile(f.AbsPath)
		if err != nil {
			return res, fmt.Errorf("failed to read %s: %w", f.RelPath, err)
		}
		title := im.titles.Title(content, f.RelPath)

		if existing, ok := imported[f.RelPath]; ok {
			if existing.Name == title && existing.Content == string(content) {
				res.Unchanged++
				continue
			}
			existing.Name = title
			existing.Content = string(content)
			existing.Dirty = true
			existing.Updated = time.Now().UTC()
			if !im.valid(ctx, logger, f, existing) {
				res.Skipped++
				continue
			}
			if _, err := im.store.Put(ctx, existing); err != nil {
				return res, fmt.Errorf("failed to update note from %s: %w", f.RelPath, err)
			}
			res.Updated++
			continue
		}

		name := defaultNotebook
		if f.Folder != "" {
			name, _, _ = strings.Cut(f.Folder, "/")
		}
		nb, err := im.notebook(ctx, notebooks, name)
		if err != nil {
			return res, err
		}

		note := model.NewNote(nb.LocalID, title, string(content))
		note.ParentGUID = nb.GUID
		note.Attributes = map[string]string{SourcePathAttr: f.RelPath}
		if !im.valid(ctx, logger, f, note) {
			res.Skipped++
			continue
		}
		if _, err := im.store.Put(ctx, note); err != nil {
			return res, fmt.Errorf("failed to create note from %s: %w", f.RelPath, err)
		}
		res.Created++
	}

	logger.InfoContext(ctx, "import completed",
		"root", root,
		"created", res.Created,
		"updated", res.Updated,
		"unchanged", res.Unchanged,
		"skipped", res.Skipped,
	)
	return res, nil
}

func (im *Importer) valid(ctx context.Context, logger *slog.Logger, f ScannedFile, e model.Entity) bool {
	if err := validation.Check(e); err != nil {
		logger.WarnContext(ctx, "skipping file", "path", f.RelPath, "error", err)
		return false
	}
	return true
}

func (im *Importer) notebooksByName(ctx context.Context) (map[string]model.Entity, error) {
	list, err := im.store.ListByKind(ctx, model.KindNotebook, false)
	if err != nil {
		return nil, fmt.Errorf("failed to list notebooks: %w", err)
	}
	byName := make(map[string]model.Entity, len(list))
	for _, nb := range list {
		if _, dup := byName[nb.Name]; !dup {
			byName[nb.Name] = nb
		}
	}
	return byName, nil
}

func (im *Importer) importedNotes(ctx context.Context) (map[string]model.Entity, error) {
	list, err := im.store.ListByKind(ctx, model.KindNote, false)
	if err != nil {
		return nil, fmt.Errorf("failed to list notes: %w", err)
	}
	bySource := make(map[string]model.Entity)
	for _, n := range list {
		if src := n.Attributes[SourcePathAttr]; src != "" {
			bySource[src] = n
		}
	}
	return bySource, nil
}

func (im *Importer) notebook(ctx context.Context, known map[string]model.Entity, name string) (model.Entity, error) {
	if nb, ok := known[name]; ok {
		return nb, nil
	}
	nb := model.New(model.KindNotebook, name)
	if err := validation.Check(nb); err != nil {
		return model.Entity{}, err
	}
	nb, err := im.store.Put(ctx, nb)
	if err != nil {
		return model.Entity{}, fmt.Errorf("failed to create notebook %q: %w", name, err)
	}
	known[name] = nb
	return nb, nil
}
