package expense

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestMapTxError(t *testing.T) {
	t.Run("serialization failure becomes conflict", func(t *testing.T) {
		serialization := &pgconn.PgError{Code: "40001", Message: "could not serialize access due to concurrent update"}
		err := mapTxError(fmt.Errorf("platform/db: commit tx: %w", serialization))
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("other database errors pass through", func(t *testing.T) {
		unique := &pgconn.PgError{Code: "23505"}
		err := mapTxError(fmt.Errorf("insert: %w", unique))
		assert.NotErrorIs(t, err, ErrConflict)
		var pgErr *pgconn.PgError
		assert.ErrorAs(t, err, &pgErr)
	})

	t.Run("plain errors pass through", func(t *testing.T) {
		plain := errors.New("db down")
		assert.Equal(t, plain, mapTxError(plain))
	})

	t.Run("nil stays nil", func(t *testing.T) {
		assert.NoError(t, mapTxError(nil))
	})
}
