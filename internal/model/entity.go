package model

import (
	"crypto/sha256"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind identifies a synchronizable entity type.
type Kind int

const (
	KindTag Kind = iota + 1
	KindSavedSearch
	KindLinkedNotebook
	KindNotebook
	KindNote
	KindResource
)

// SyncOrder is the dependency order used by both sync directions:
// containers before notes, notes before their resources.
var SyncOrder = []Kind{
	KindTag,
	KindSavedSearch,
	KindLinkedNotebook,
	KindNotebook,
	KindNote,
	KindResource,
}

var kindNames = map[Kind]string{
	KindTag:            "tag",
	KindSavedSearch:    "saved_search",
	KindLinkedNotebook: "linked_notebook",
	KindNotebook:       "notebook",
	KindNote:           "note",
	KindResource:       "resource",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// MarshalText encodes the kind by its wire name.
func (k Kind) MarshalText() ([]byte, error) {
	if _, ok := kindNames[k]; !ok {
		return nil, fmt.Errorf("unknown entity kind %d", int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText decodes a wire name.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseKind converts the wire name of a kind back to its value.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown entity kind %q", s)
}

// Entity is the common record for every synchronizable object.
// Relationships are held by identifier, never by embedded copies.
type Entity struct {
	Kind    Kind   `json:"kind"`
	LocalID string `json:"local_id,omitempty"`
	GUID    string `json:"guid,omitempty"`
	USN     int64  `json:"usn"`
	Dirty   bool   `json:"dirty,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`

	Name    string `json:"name"`
	Content string `json:"content,omitempty"`

	// ParentLocalID/ParentGUID reference the owning notebook of a note or
	// the owning note of a resource.
	ParentLocalID string `json:"parent_local_id,omitempty"`
	ParentGUID    string `json:"parent_guid,omitempty"`

	TagLocalIDs []string `json:"tag_local_ids,omitempty"`
	TagGUIDs    []string `json:"tag_guids,omitempty"`

	Attributes map[string]string `json:"attributes,omitempty"`
	Updated    time.Time         `json:"updated"`

	// BaseHash is the ContentHash of the last version known to match the
	// remote service.
	BaseHash string `json:"-"`
}

// NewLocalID returns a fresh local identifier.
func NewLocalID() string {
	return uuid.New().String()
}

// New creates a local-only dirty entity of the given kind.
func New(kind Kind, name string) Entity {
	return Entity{
		Kind:    kind,
		LocalID: NewLocalID(),
		Name:    name,
		Dirty:   true,
		Updated: time.Now().UTC(),
	}
}

// NewNote creates a local-only dirty note inside the notebook with the given local ID.
func NewNote(notebookLocalID, title, content string) Entity {
	n := New(KindNote, title)
	n.ParentLocalID = notebookLocalID
	n.Content = content
	return n
}

// IsLocalOnly reports whether the remote service has never seen the entity.
func (e Entity) IsLocalOnly() bool {
	return e.GUID == ""
}

// Clone returns a deep copy, so callers can replace rather than patch.
func (e Entity) Clone() Entity {
	c := e
	c.TagLocalIDs = slices.Clone(e.TagLocalIDs)
	c.TagGUIDs = slices.Clone(e.TagGUIDs)
	if e.Attributes != nil {
		c.Attributes = make(map[string]string, len(e.Attributes))
		for k, v := range e.Attributes {
			c.Attributes[k] = v
		}
	}
	return c
}

// ContentHash fingerprints the user-visible content of an entity.
// Metadata (attributes, timestamps, USN, flags other than deletion and
// identifiers) does not contribute, so two versions differing only in
// metadata hash equal.
func ContentHash(e Entity) string {
	tags := slices.Clone(e.TagGUIDs)
	if len(tags) == 0 {
		tags = slices.Clone(e.TagLocalIDs)
	}
	slices.Sort(tags)

	parent := e.ParentGUID
	if parent == "" {
		parent = e.ParentLocalID
	}

	h := sha256.New()
	fmt.Fprintf(h, "%d\x00%s\x00%s\x00%s\x00%s\x00%t",
		e.Kind, e.Name, e.Content, parent, strings.Join(tags, ","), e.Deleted)
	return fmt.Sprintf("%x", h.Sum(nil))
}
