package remote

import (
	"maps"
	"slices"
	"time"

	"notesync/internal/model"
)

// WireEntity is the JSON form of an entity exchanged with the service.
// Local identifiers and flags never leave the device.
type WireEntity struct {
	Kind       string            `json:"kind"`
	GUID       string            `json:"guid,omitempty"`
	USN        int64             `json:"usn"`
	Deleted    bool              `json:"deleted,omitempty"`
	Name       string            `json:"name"`
	Content    string            `json:"content,omitempty"`
	ParentGUID string            `json:"parent_guid,omitempty"`
	TagGUIDs   []string          `json:"tag_guids,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Updated    time.Time         `json:"updated"`
}

// ChangesResponse is the body of a changes page.
type ChangesResponse struct {
	Entities []WireEntity `json:"entities"`
	Expunged []string     `json:"expunged,omitempty"`
	HighUSN  int64        `json:"high_usn"`
	More     bool         `json:"more"`
}

// ConflictResponse is the body of a 409 answer to an update.
type ConflictResponse struct {
	Error  string      `json:"error"`
	Remote *WireEntity `json:"remote,omitempty"`
}

// ErrorResponse is the body of every other error answer.
type ErrorResponse struct {
	Error             string `json:"error"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

// ToWire strips the local-only fields of e.
func ToWire(e model.Entity) WireEntity {
	return WireEntity{
		Kind:       e.Kind.String(),
		GUID:       e.GUID,
		USN:        e.USN,
		Deleted:    e.Deleted,
		Name:       e.Name,
		Content:    e.Content,
		ParentGUID: e.ParentGUID,
		TagGUIDs:   slices.Clone(e.TagGUIDs),
		Attributes: maps.Clone(e.Attributes),
		Updated:    e.Updated.UTC(),
	}
}

// FromWire converts a wire entity to a model entity without local identifiers.
func FromWire(w WireEntity) (model.Entity, error) {
	kind, err := model.ParseKind(w.Kind)
	if err != nil {
		return model.Entity{}, err
	}
	return model.Entity{
		Kind:       kind,
		GUID:       w.GUID,
		USN:        w.USN,
		Deleted:    w.Deleted,
		Name:       w.Name,
		Content:    w.Content,
		ParentGUID: w.ParentGUID,
		TagGUIDs:   slices.Clone(w.TagGUIDs),
		Attributes: maps.Clone(w.Attributes),
		Updated:    w.Updated.UTC(),
	}, nil
}
