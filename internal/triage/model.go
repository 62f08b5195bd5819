package triage

import (
	"slices"
	"time"
)

// AssetID identifies one photo in the library. Equality is by value.
type AssetID string

// State tracks where a session is in its lifecycle.
type State string

const (
	// StateIdle means the session has not been started
	StateIdle State = "idle"

	// StateRequestingPermission means library authorization is in flight
	StateRequestingPermission State = "requesting_permission"

	// StateDenied means the library refused access; terminal until Start is retried
	StateDenied State = "denied"

	// StateLoading means the library is being enumerated
	StateLoading State = "loading"

	// StateEmpty means there is nothing left to decide
	StateEmpty State = "empty"

	// StateReady means a photo is being shown for a decision
	StateReady State = "ready"
)

// Authorization is the library access level granted to the session.
type Authorization string

const (
	AuthNotDetermined Authorization = "not_determined"
	AuthAuthorized    Authorization = "authorized"
	AuthLimited       Authorization = "limited"
	AuthDenied        Authorization = "denied"
	AuthRestricted    Authorization = "restricted"
)

// Granted reports whether the session may read the library.
func (a Authorization) Granted() bool {
	return a == AuthAuthorized || a == AuthLimited
}

// Size is the target resolution for image fetches, in pixels.
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Snapshot is the published, read-only view of a session.
type Snapshot struct {
	State      State    `json:"state"`
	Epoch      string   `json:"epoch,omitempty"`
	Current    *AssetID `json:"current"`
	ImageReady bool     `json:"image_ready"`
	Remaining  int      `json:"remaining"`
	Kept       int      `json:"kept"`
	Trashed    int      `json:"trashed"`
	Purged     int      `json:"purged"`
	Purging    bool     `json:"purging"`
	// OfferPicker is set once after limited authorization until taken.
	OfferPicker bool      `json:"offer_picker"`
	LastError   string    `json:"last_error,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// PurgeReport describes one batch deletion of trashed photos.
type PurgeReport struct {
	ID          string    `json:"id"`
	Requested   int       `json:"requested"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	Duration    float64   `json:"duration_seconds"`
}

// Failed reports whether the library reported an error for the batch.
func (r *PurgeReport) Failed() bool { return r.Error != "" }

// idSet is a set of asset ids. Only the session loop touches it.
type idSet map[AssetID]struct{}

func newIDSet(ids []AssetID) idSet {
	s := make(idSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s idSet) has(id AssetID) bool {
	_, ok := s[id]
	return ok
}

func (s idSet) add(id AssetID) { s[id] = struct{}{} }

func (s idSet) remove(id AssetID) { delete(s, id) }

// sorted returns the members in a stable order for persistence and display.
func (s idSet) sorted() []AssetID {
	out := make([]AssetID, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}
