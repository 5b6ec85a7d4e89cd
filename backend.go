package saver

import (
	"context"
	"time"
)

// A RemoteObject is a backend-specific handle to the thing a link identifies (a video stream, a post, a track). It
// only lives for the duration of one acquisition.
type RemoteObject interface {
	String() string
}

// An Artifact is a fetched media file in the scratch directory plus its metadata. Whoever receives an Artifact owns
// the file at Path and is responsible for deleting it.
type Artifact struct {
	Link    string
	Backend string
	Path    string
	Size    int64
	// Ext is the file format, without a leading ".".
	Ext       string
	Title     string
	Performer string
	Album     string
	Duration  time.Duration
	Width     int
	Height    int
}

// A Backend acquires media from one kind of source. A Backend is constructed for a single link.
type Backend interface {
	// Name is the registered name of the backend.
	Name() string
	// Locate resolves the link to a remote handle, or fails with ErrObjectNotFound.
	Locate(ctx context.Context) (RemoteObject, error)
	// Fetch transfers the remote object into a fresh file in the scratch directory. Fails with
	// ErrUnsupportedMediaType or ErrEntityTooLarge for content that can't be delivered.
	Fetch(ctx context.Context, obj RemoteObject) (*Artifact, error)
}

// A Scoper holds backend resources (e.g. a proxy route) for the duration of a Locate and Fetch sequence. Scope must
// release everything it acquired before returning, whatever f returns.
type Scoper interface {
	Scope(ctx context.Context, f func(ctx context.Context) error) error
}

// A Linker can produce a direct download link for the remote object instead of downloading it.
type Linker interface {
	DirectLink(ctx context.Context) (string, error)
}

// BackendEnv is everything a backend constructor gets for a single acquisition.
type BackendEnv struct {
	Link    string
	Scratch *Scratch
	// MaxSize is the largest artifact, in bytes, that may be fetched.
	MaxSize int64
}

// A Constructor builds a Backend for one link.
type Constructor = func(env BackendEnv) (Backend, error)
