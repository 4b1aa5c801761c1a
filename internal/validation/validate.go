// Package validation rejects malformed entities before they are queued for
// push, using the field limits published by the remote service.
package validation

import (
	"fmt"
	"regexp"
	"unicode/utf8"

	"notesync/internal/model"
)

// Field limits of the remote service.
const (
	NoteTitleLenMax       = 255
	NoteContentLenMax     = 5242880
	NoteTagsMax           = 100
	NotebookNameLenMax    = 100
	TagNameLenMax         = 100
	SavedSearchNameLenMax = 100
	SearchQueryLenMax     = 1024
	ResourceNameLenMax    = 255
)

var (
	// No control characters, no leading or trailing whitespace.
	noteTitleRegex    = regexp.MustCompile(`^[^\p{Cc}\p{Z}]([^\p{Cc}\p{Zl}\p{Zp}]{0,253}[^\p{Cc}\p{Z}])?$`)
	notebookNameRegex = regexp.MustCompile(`^[^\p{Cc}\p{Z}]([^\p{Cc}\p{Zl}\p{Zp}]{0,98}[^\p{Cc}\p{Z}])?$`)
	tagNameRegex      = regexp.MustCompile(`^[^,\p{Cc}\p{Z}]([^,\p{Cc}\p{Zl}\p{Zp}]{0,98}[^,\p{Cc}\p{Z}])?$`)
	searchQueryRegex  = regexp.MustCompile(`^[^\p{Cc}\p{Zl}\p{Zp}]*$`)
)

// NameLenMax returns the maximum length in characters of the Name field of
// kind, or 0 when the service publishes no limit for it.
func NameLenMax(kind model.Kind) int {
	switch kind {
	case model.KindNote:
		return NoteTitleLenMax
	case model.KindNotebook, model.KindLinkedNotebook:
		return NotebookNameLenMax
	case model.KindTag:
		return TagNameLenMax
	case model.KindSavedSearch:
		return SavedSearchNameLenMax
	case model.KindResource:
		return ResourceNameLenMax
	}
	return 0
}

// Violation describes one rejected field.
type Violation struct {
	Field   string
	Message string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s", v.Field, v.Message)
}

// Error bundles the violations of one entity.
type Error struct {
	Kind       model.Kind
	LocalID    string
	Violations []Violation
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid %s %s: %v", e.Kind, e.LocalID, e.Violations)
}

// Validate returns nil when e may be pushed, otherwise every violation found.
// Tombstones are always accepted: deleting never needs valid content.
func Validate(e model.Entity) []Violation {
	if e.Deleted {
		return nil
	}

	var vs []Violation
	switch e.Kind {
	case model.KindNote:
		vs = checkName(vs, "title", e.Name, NoteTitleLenMax, noteTitleRegex)
		if len(e.Content) > NoteContentLenMax {
			vs = append(vs, Violation{Field: "content", Message: fmt.Sprintf("exceeds %d bytes", NoteContentLenMax)})
		}
		if n := max(len(e.TagLocalIDs), len(e.TagGUIDs)); n > NoteTagsMax {
			vs = append(vs, Violation{Field: "tags", Message: fmt.Sprintf("%d tags, at most %d allowed", n, NoteTagsMax)})
		}
		if e.ParentLocalID == "" && e.ParentGUID == "" {
			vs = append(vs, Violation{Field: "notebook", Message: "note must belong to a notebook"})
		}
	case model.KindNotebook:
		vs = checkName(vs, "name", e.Name, NotebookNameLenMax, notebookNameRegex)
	case model.KindTag:
		vs = checkName(vs, "name", e.Name, TagNameLenMax, tagNameRegex)
	case model.KindSavedSearch:
		vs = checkName(vs, "name", e.Name, SavedSearchNameLenMax, notebookNameRegex)
		if utf8.RuneCountInString(e.Content) > SearchQueryLenMax || !searchQueryRegex.MatchString(e.Content) {
			vs = append(vs, Violation{Field: "query", Message: "invalid search query"})
		}
	case model.KindResource:
		if utf8.RuneCountInString(e.Name) > ResourceNameLenMax {
			vs = append(vs, Violation{Field: "name", Message: fmt.Sprintf("longer than %d characters", ResourceNameLenMax)})
		}
		if e.ParentLocalID == "" && e.ParentGUID == "" {
			vs = append(vs, Violation{Field: "note", Message: "resource must belong to a note"})
		}
	case model.KindLinkedNotebook:
		if e.Name == "" {
			vs = append(vs, Violation{Field: "name", Message: "cannot be empty"})
		}
	default:
		vs = append(vs, Violation{Field: "kind", Message: "unknown entity kind"})
	}
	return vs
}

// Check wraps Validate into an error value.
func Check(e model.Entity) error {
	if vs := Validate(e); len(vs) > 0 {
		return &Error{Kind: e.Kind, LocalID: e.LocalID, Violations: vs}
	}
	return nil
}

func checkName(vs []Violation, field, value string, maxLen int, re *regexp.Regexp) []Violation {
	n := utf8.RuneCountInString(value)
	switch {
	case n == 0:
		return append(vs, Violation{Field: field, Message: "cannot be empty"})
	case n > maxLen:
		return append(vs, Violation{Field: field, Message: fmt.Sprintf("longer than %d characters", maxLen)})
	case !re.MatchString(value):
		return append(vs, Violation{Field: field, Message: "contains disallowed characters or surrounding whitespace"})
	}
	return vs
}
