package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"identityrecon/internal/database"
	"identityrecon/internal/models"
)

const contactColumns = `id, phone_number, email, linked_id, link_precedence, created_at, updated_at, deleted_at`

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQL is the database/sql backed store used with both sqlite3 and postgres.
type SQL struct {
	db     *sql.DB
	driver string
	clock  func() time.Time
	log    *zap.Logger
}

// SQLOption configures an SQL store.
type SQLOption func(*SQL)

// WithClock overrides the timestamp source for created_at/updated_at.
func WithClock(clock func() time.Time) SQLOption {
	return func(s *SQL) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLogger attaches a logger for transaction diagnostics.
func WithLogger(log *zap.Logger) SQLOption {
	return func(s *SQL) {
		if log != nil {
			s.log = log
		}
	}
}

// NewSQL creates a store on top of an opened database.
func NewSQL(db *database.DB, opts ...SQLOption) *SQL {
	s := &SQL{
		db:     db.Conn,
		driver: db.Driver,
		clock:  func() time.Time { return time.Now().UTC() },
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunInTx runs fn inside one transaction. Postgres transactions are
// serializable; sqlite takes its write lock at BEGIN (see database.Open).
func (s *SQL) RunInTx(ctx context.Context, fn func(q Queries) error) error {
	var opts *sql.TxOptions
	if s.driver == database.DriverPostgres {
		opts = &sql.TxOptions{Isolation: sql.LevelSerializable}
	}

	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return wrap("begin transaction", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(&sqlQueries{q: tx, clock: s.clock}); err != nil {
		s.log.Debug("transaction rolled back", zap.Error(err))
		return err
	}

	if err := tx.Commit(); err != nil {
		return wrap("commit transaction", err)
	}
	return nil
}

type sqlQueries struct {
	q     querier
	clock func() time.Time
}

func (s *sqlQueries) FindMatching(ctx context.Context, email, phone *string) ([]*models.Contact, error) {
	var (
		clauses []string
		args    []any
	)
	if email != nil {
		args = append(args, *email)
		clauses = append(clauses, fmt.Sprintf("email = $%d", len(args)))
	}
	if phone != nil {
		args = append(args, *phone)
		clauses = append(clauses, fmt.Sprintf("phone_number = $%d", len(args)))
	}
	if len(clauses) == 0 {
		return nil, nil
	}

	query := `SELECT ` + contactColumns + ` FROM contacts
			  WHERE (` + strings.Join(clauses, " OR ") + `) AND deleted_at IS NULL
			  ORDER BY created_at ASC, id ASC`
	contacts, err := s.queryContacts(ctx, query, args...)
	return contacts, wrap("find matching contacts", err)
}

func (s *sqlQueries) FindByIDs(ctx context.Context, ids []int64, precedence *models.LinkPrecedence) ([]*models.Contact, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	args := make([]any, 0, len(ids)+1)
	placeholders := make([]string, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
		placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
	}
	query := `SELECT ` + contactColumns + ` FROM contacts
			  WHERE id IN (` + strings.Join(placeholders, ", ") + `) AND deleted_at IS NULL`
	if precedence != nil {
		args = append(args, string(*precedence))
		query += fmt.Sprintf(" AND link_precedence = $%d", len(args))
	}
	query += ` ORDER BY created_at ASC, id ASC`

	contacts, err := s.queryContacts(ctx, query, args...)
	return contacts, wrap("find contacts by id", err)
}

func (s *sqlQueries) FindByLinkedID(ctx context.Context, id int64) ([]*models.Contact, error) {
	query := `SELECT ` + contactColumns + ` FROM contacts
			  WHERE linked_id = $1 AND deleted_at IS NULL
			  ORDER BY created_at ASC, id ASC`
	contacts, err := s.queryContacts(ctx, query, id)
	return contacts, wrap("find contacts by linked id", err)
}

func (s *sqlQueries) FindCluster(ctx context.Context, primaryID int64) ([]*models.Contact, error) {
	query := `SELECT ` + contactColumns + ` FROM contacts
			  WHERE (id = $1 OR linked_id = $2) AND deleted_at IS NULL
			  ORDER BY created_at ASC, id ASC`
	contacts, err := s.queryContacts(ctx, query, primaryID, primaryID)
	return contacts, wrap("find cluster", err)
}

func (s *sqlQueries) Create(ctx context.Context, c models.NewContact) (*models.Contact, error) {
	query := `INSERT INTO contacts (phone_number, email, linked_id, link_precedence, created_at, updated_at)
			  VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`

	now := s.clock()
	var id int64
	err := s.q.QueryRowContext(ctx, query, c.PhoneNumber, c.Email, c.LinkedID, string(c.LinkPrecedence), now, now).Scan(&id)
	if err != nil {
		return nil, wrap("create contact", err)
	}

	return &models.Contact{
		ID:             id,
		PhoneNumber:    c.PhoneNumber,
		Email:          c.Email,
		LinkedID:       c.LinkedID,
		LinkPrecedence: c.LinkPrecedence,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

func (s *sqlQueries) Update(ctx context.Context, id int64, u models.ContactUpdate) error {
	query := `UPDATE contacts SET link_precedence = $1, linked_id = $2, updated_at = $3 WHERE id = $4 AND deleted_at IS NULL`
	res, err := s.q.ExecContext(ctx, query, string(u.LinkPrecedence), u.LinkedID, s.clock(), id)
	if err != nil {
		return wrap("update contact", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrap("update contact", err)
	}
	if n == 0 {
		return fmt.Errorf("update contact %d: %w", id, ErrNotFound)
	}
	return nil
}

func (s *sqlQueries) UpdateWhereLinkedID(ctx context.Context, oldLinkedID, newLinkedID int64) error {
	query := `UPDATE contacts SET linked_id = $1, updated_at = $2 WHERE linked_id = $3 AND deleted_at IS NULL`
	_, err := s.q.ExecContext(ctx, query, newLinkedID, s.clock(), oldLinkedID)
	return wrap("relink contacts", err)
}

// queryContacts executes a query and returns contacts
func (s *sqlQueries) queryContacts(ctx context.Context, query string, args ...any) ([]*models.Contact, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contacts []*models.Contact
	for rows.Next() {
		c := &models.Contact{}
		var phone, email, precedence sql.NullString
		var linkedID sql.NullInt64
		var deletedAt sql.NullTime

		err := rows.Scan(&c.ID, &phone, &email, &linkedID, &precedence, &c.CreatedAt, &c.UpdatedAt, &deletedAt)
		if err != nil {
			return nil, err
		}

		if phone.Valid {
			c.PhoneNumber = &phone.String
		}
		if email.Valid {
			c.Email = &email.String
		}
		if linkedID.Valid {
			c.LinkedID = &linkedID.Int64
		}
		if deletedAt.Valid {
			c.DeletedAt = &deletedAt.Time
		}
		c.LinkPrecedence = models.LinkPrecedence(precedence.String)

		contacts = append(contacts, c)
	}

	return contacts, rows.Err()
}
