// Package store persists contact rows and exposes the queries the
// reconciliation engine runs against them.
package store

import (
	"context"
	"errors"

	"identityrecon/internal/models"
)

var (
	// ErrUnavailable marks a transient failure of the backing database.
	ErrUnavailable = errors.New("store unavailable")
	// ErrNotFound is returned when an update targets a contact that does not exist.
	ErrNotFound = errors.New("contact not found")
)

// Queries is the read/write capability over contact rows. Every query
// excludes soft-deleted contacts.
type Queries interface {
	// FindMatching returns contacts whose email equals email OR whose phone
	// equals phone, ordered by created_at ascending. A nil argument drops its clause.
	FindMatching(ctx context.Context, email, phone *string) ([]*models.Contact, error)
	// FindByIDs returns the contacts with the given ids, optionally restricted
	// to one precedence, ordered by created_at ascending.
	FindByIDs(ctx context.Context, ids []int64, precedence *models.LinkPrecedence) ([]*models.Contact, error)
	FindByLinkedID(ctx context.Context, id int64) ([]*models.Contact, error)
	// FindCluster returns the contact with primaryID plus every contact linked to it.
	FindCluster(ctx context.Context, primaryID int64) ([]*models.Contact, error)
	Create(ctx context.Context, c models.NewContact) (*models.Contact, error)
	Update(ctx context.Context, id int64, u models.ContactUpdate) error
	UpdateWhereLinkedID(ctx context.Context, oldLinkedID, newLinkedID int64) error
}

// Store runs a unit of work atomically. fn's writes are committed only when
// it returns nil.
type Store interface {
	RunInTx(ctx context.Context, fn func(q Queries) error) error
}
