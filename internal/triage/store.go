package triage

import (
	"context"
	"errors"
	"image"
)

// Persisted set keys.
const (
	KeyKept    = "kept-ids"
	KeyTrashed = "trashed-ids"
	KeyPurged  = "purged-ids"
)

// ErrAssetNotFound is returned by Library.FetchImage when the asset vanished
// between enumeration and fetch.
var ErrAssetNotFound = errors.New("asset not found")

// Library is the photo store the session triages.
type Library interface {
	// Authorize returns the current access level, prompting if it is not yet determined.
	Authorize(ctx context.Context) (Authorization, error)
	// ListAssetIDs returns a snapshot of every visible asset.
	ListAssetIDs(ctx context.Context) ([]AssetID, error)
	// FetchImage renders an asset fitted into size. A nil image with a nil
	// error means the asset exists but produced nothing to show.
	FetchImage(ctx context.Context, id AssetID, size Size) (image.Image, error)
	// Delete physically removes assets. It may partially succeed.
	Delete(ctx context.Context, ids []AssetID) error
	// OpenSettings sends the user somewhere they can change library access.
	OpenSettings(ctx context.Context) error
}

// SetStore is the persistence interface for named id sets.
type SetStore interface {
	Load(ctx context.Context, key string) ([]AssetID, error)
	Save(ctx context.Context, key string, ids []AssetID) error
}

// Notifier receives a report after each batch purge.
type Notifier interface {
	Send(ctx context.Context, report *PurgeReport) error
}
