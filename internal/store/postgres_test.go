package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"identityrecon/internal/database"
	"identityrecon/internal/models"
)

var fixedNow = time.Date(2023, 4, 1, 12, 0, 0, 0, time.UTC)

func setupMockStore(t *testing.T) (sqlmock.Sqlmock, *SQL) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	st := NewSQL(&database.DB{Conn: db, Driver: database.DriverPostgres},
		WithClock(func() time.Time { return fixedNow }))
	return mock, st
}

func contactRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "phone_number", "email", "linked_id", "link_precedence", "created_at", "updated_at", "deleted_at",
	})
}

func TestPostgresFindMatchingSingleClause(t *testing.T) {
	mock, st := setupMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`WHERE \(email = \$1\) AND deleted_at IS NULL\s+ORDER BY created_at ASC, id ASC`).
		WithArgs("a@x.com").
		WillReturnRows(contactRows().
			AddRow(int64(1), nil, "a@x.com", nil, "primary", fixedNow, fixedNow, nil).
			AddRow(int64(2), "111", "a@x.com", int64(1), "secondary", fixedNow, fixedNow, nil))
	mock.ExpectCommit()

	var got []*models.Contact
	err := st.RunInTx(context.Background(), func(q Queries) error {
		var err error
		got, err = q.FindMatching(context.Background(), ptr("a@x.com"), nil)
		return err
	})

	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].IsPrimary())
	assert.Nil(t, got[0].PhoneNumber)
	assert.Equal(t, int64(1), *got[1].LinkedID)
	assert.Equal(t, "111", *got[1].PhoneNumber)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresFindMatchingBothClauses(t *testing.T) {
	mock, st := setupMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`WHERE \(email = \$1 OR phone_number = \$2\)`).
		WithArgs("a@x.com", "111").
		WillReturnRows(contactRows())
	mock.ExpectCommit()

	err := st.RunInTx(context.Background(), func(q Queries) error {
		_, err := q.FindMatching(context.Background(), ptr("a@x.com"), ptr("111"))
		return err
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSerializationFailureIsTransient(t *testing.T) {
	mock, st := setupMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO contacts`).
		WithArgs(nil, "a@x.com", nil, "primary", fixedNow, fixedNow).
		WillReturnError(&pq.Error{Code: "40001", Message: "could not serialize access"})
	mock.ExpectRollback()

	err := st.RunInTx(context.Background(), func(q Queries) error {
		_, err := q.Create(context.Background(), models.NewContact{
			Email:          ptr("a@x.com"),
			LinkPrecedence: models.PrecedencePrimary,
		})
		return err
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	var pqErr *pq.Error
	assert.ErrorAs(t, err, &pqErr)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpdateMissingRow(t *testing.T) {
	mock, st := setupMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE contacts SET link_precedence = \$1, linked_id = \$2`).
		WithArgs("secondary", int64(1), fixedNow, int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := st.RunInTx(context.Background(), func(q Queries) error {
		linked := int64(1)
		return q.Update(context.Background(), 2, models.ContactUpdate{
			LinkPrecedence: models.PrecedenceSecondary,
			LinkedID:       &linked,
		})
	})

	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCommitFailure(t *testing.T) {
	mock, st := setupMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE contacts SET linked_id = \$1`).
		WithArgs(int64(1), fixedNow, int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit().WillReturnError(driver.ErrBadConn)

	err := st.RunInTx(context.Background(), func(q Queries) error {
		return q.UpdateWhereLinkedID(context.Background(), 2, 1)
	})

	assert.ErrorIs(t, err, ErrUnavailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"serialization failure", &pq.Error{Code: "40001"}, true},
		{"deadlock", &pq.Error{Code: "40P01"}, true},
		{"connection failure", &pq.Error{Code: "08006"}, true},
		{"admin shutdown", &pq.Error{Code: "57P01"}, true},
		{"unique violation", &pq.Error{Code: "23505"}, false},
		{"sqlite busy", sqlite3.Error{Code: sqlite3.ErrBusy}, true},
		{"sqlite locked", sqlite3.Error{Code: sqlite3.ErrLocked}, true},
		{"sqlite constraint", sqlite3.Error{Code: sqlite3.ErrConstraint}, false},
		{"bad conn", driver.ErrBadConn, true},
		{"wrapped bad conn", fmt.Errorf("query: %w", driver.ErrBadConn), true},
		{"deadline", context.DeadlineExceeded, true},
		{"plain", errors.New("syntax error"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}
