package domain

import (
	"time"

	"github.com/google/uuid"
)

// DiffAction tags a field diff.
type DiffAction string

const (
	DiffActionCreated DiffAction = "created"
	DiffActionEdited  DiffAction = "edited"
	DiffActionDeleted DiffAction = "deleted"
)

// FieldDiff is the rendered difference of one field between two versions.
// Field is empty for the created and deleted sentinels.
type FieldDiff struct {
	Field      string     `json:"field,omitempty"`
	FieldLabel string     `json:"fieldLabel,omitempty"`
	Action     DiffAction `json:"action"`
	Before     string     `json:"beforeHtml"`
	After      string     `json:"afterHtml"`
	Combined   string     `json:"combinedHtml"`
}

// VersionRow is the slim projection a consecutive-versions page is built from.
type VersionRow struct {
	ID                int64     `json:"id"`
	EntityID          int64     `json:"entityId"`
	EntityType        string    `json:"entityType"`
	PreviousVersionID *int64    `json:"previousVersionId,omitempty"`
	BusinessDate      time.Time `json:"businessDate"`
	SystemDate        time.Time `json:"systemDate"`
}

// IsCreation reports whether the row is the first version of its entity.
func (r VersionRow) IsCreation() bool {
	return r.PreviousVersionID == nil
}

// ChangelogEntry is a resolved consecutive pair: an entity, one of its
// versions and the version before it.
type ChangelogEntry struct {
	EntityType string
	Entity     Entity
	Version    Version
	Previous   *Version
}

// VersionComparisonPair pairs two arbitrary snapshots of one entity. A nil
// side means the entity has no version in that snapshot set.
type VersionComparisonPair struct {
	EntityType     string `json:"entityType"`
	EntityID       int64  `json:"entityId"`
	LeftVersionID  *int64 `json:"leftVersionId,omitempty"`
	RightVersionID *int64 `json:"rightVersionId,omitempty"`
}

// VersionSelector selects at most one version per entity of one type.
// With VersionIDs set, exactly those versions are selected. Otherwise the most
// recent version per entity is selected, limited to business dates at or
// before AsOf when it is set.
type VersionSelector struct {
	AsOf       *time.Time  `json:"asOf,omitempty"`
	EntityIDs  []int64     `json:"entityIds,omitempty"`
	VersionIDs []int64     `json:"versionIds,omitempty"`
	EditorIDs  []uuid.UUID `json:"editorIds,omitempty"`
}

// PairQuery is one left/right selector pair for a single entity type.
type PairQuery struct {
	EntityType string          `json:"entityType"`
	Left       VersionSelector `json:"left"`
	Right      VersionSelector `json:"right"`
}
