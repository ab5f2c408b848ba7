package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"identityrecon/internal/models"
)

// Memory is an in-process store. Transactions are serialized by a mutex and
// operate on a copy of the rows that replaces the committed state only when
// the unit of work succeeds.
type Memory struct {
	mu       sync.Mutex
	contacts map[int64]*models.Contact
	nextID   int64
	clock    func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory(clock func() time.Time) *Memory {
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Memory{
		contacts: make(map[int64]*models.Contact),
		nextID:   1,
		clock:    clock,
	}
}

// Seed inserts a contact verbatim, keeping its id and timestamps.
func (m *Memory) Seed(c *models.Contact) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contacts[c.ID] = c.Clone()
	if c.ID >= m.nextID {
		m.nextID = c.ID + 1
	}
}

// All returns every stored contact, including soft-deleted ones, ordered by id.
func (m *Memory) All() []*models.Contact {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Contact, 0, len(m.contacts))
	for _, c := range m.contacts {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SoftDelete marks a contact deleted.
func (m *Memory) SoftDelete(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contacts[id]
	if !ok {
		return fmt.Errorf("soft delete %d: %w", id, ErrNotFound)
	}
	now := m.clock()
	c.DeletedAt = &now
	return nil
}

// RunInTx runs fn against a snapshot and commits the snapshot on success.
func (m *Memory) RunInTx(ctx context.Context, fn func(q Queries) error) error {
	if err := ctx.Err(); err != nil {
		return wrap("begin transaction", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	work := &memoryQueries{
		contacts: make(map[int64]*models.Contact, len(m.contacts)),
		nextID:   m.nextID,
		clock:    m.clock,
	}
	for id, c := range m.contacts {
		work.contacts[id] = c.Clone()
	}

	if err := fn(work); err != nil {
		return err
	}

	m.contacts = work.contacts
	m.nextID = work.nextID
	return nil
}

type memoryQueries struct {
	contacts map[int64]*models.Contact
	nextID   int64
	clock    func() time.Time
}

func (q *memoryQueries) selectLive(match func(c *models.Contact) bool) []*models.Contact {
	var out []*models.Contact
	for _, c := range q.contacts {
		if c.DeletedAt == nil && match(c) {
			out = append(out, c.Clone())
		}
	}
	sortBySeniority(out)
	return out
}

func (q *memoryQueries) FindMatching(_ context.Context, email, phone *string) ([]*models.Contact, error) {
	if email == nil && phone == nil {
		return nil, nil
	}
	return q.selectLive(func(c *models.Contact) bool {
		return (email != nil && c.Email != nil && *c.Email == *email) ||
			(phone != nil && c.PhoneNumber != nil && *c.PhoneNumber == *phone)
	}), nil
}

func (q *memoryQueries) FindByIDs(_ context.Context, ids []int64, precedence *models.LinkPrecedence) ([]*models.Contact, error) {
	wanted := make(map[int64]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	return q.selectLive(func(c *models.Contact) bool {
		return wanted[c.ID] && (precedence == nil || c.LinkPrecedence == *precedence)
	}), nil
}

func (q *memoryQueries) FindByLinkedID(_ context.Context, id int64) ([]*models.Contact, error) {
	return q.selectLive(func(c *models.Contact) bool {
		return c.LinkedID != nil && *c.LinkedID == id
	}), nil
}

func (q *memoryQueries) FindCluster(_ context.Context, primaryID int64) ([]*models.Contact, error) {
	return q.selectLive(func(c *models.Contact) bool {
		return c.ID == primaryID || (c.LinkedID != nil && *c.LinkedID == primaryID)
	}), nil
}

func (q *memoryQueries) Create(_ context.Context, nc models.NewContact) (*models.Contact, error) {
	now := q.clock()
	c := &models.Contact{
		ID:             q.nextID,
		Email:          nc.Email,
		PhoneNumber:    nc.PhoneNumber,
		LinkedID:       nc.LinkedID,
		LinkPrecedence: nc.LinkPrecedence,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	q.nextID++
	q.contacts[c.ID] = c.Clone()
	return c, nil
}

func (q *memoryQueries) Update(_ context.Context, id int64, u models.ContactUpdate) error {
	c, ok := q.contacts[id]
	if !ok || c.DeletedAt != nil {
		return fmt.Errorf("update contact %d: %w", id, ErrNotFound)
	}
	c.LinkPrecedence = u.LinkPrecedence
	c.LinkedID = nil
	if u.LinkedID != nil {
		v := *u.LinkedID
		c.LinkedID = &v
	}
	c.UpdatedAt = q.clock()
	return nil
}

func (q *memoryQueries) UpdateWhereLinkedID(_ context.Context, oldLinkedID, newLinkedID int64) error {
	now := q.clock()
	for _, c := range q.contacts {
		if c.DeletedAt == nil && c.LinkedID != nil && *c.LinkedID == oldLinkedID {
			v := newLinkedID
			c.LinkedID = &v
			c.UpdatedAt = now
		}
	}
	return nil
}

func sortBySeniority(contacts []*models.Contact) {
	sort.Slice(contacts, func(i, j int) bool {
		if contacts[i].CreatedAt.Equal(contacts[j].CreatedAt) {
			return contacts[i].ID < contacts[j].ID
		}
		return contacts[i].CreatedAt.Before(contacts[j].CreatedAt)
	})
}
