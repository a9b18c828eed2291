// Package store persists RTKit session snapshots so that other processes
// (rtkitctl monitor, dashboards) can observe running cores. Implementations
// include an in-memory store for tests and single-process use and an
// etcd-backed store for sharing state between hosts.
package store

import (
	"context"
	"errors"

	"github.com/strand-protocol/rtkit/pkg/model"
)

var (
	ErrNotFound    = errors.New("store: session not found")
	ErrInvalidName = errors.New("store: session name must be non-empty and contain no '/'")
)

// SessionStore provides access to session snapshots keyed by Session.Name.
type SessionStore interface {
	List(ctx context.Context) ([]model.Session, error)
	Get(ctx context.Context, name string) (*model.Session, error)
	// Put creates or replaces the snapshot for s.Name.
	Put(ctx context.Context, s *model.Session) error
	Delete(ctx context.Context, name string) error
	Close() error
}

func validName(name string) error {
	if name == "" {
		return ErrInvalidName
	}
	for i := 0; i < len(name); i++ {
		if name[i] == '/' {
			return ErrInvalidName
		}
	}
	return nil
}
