package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestErrorClassification(t *testing.T) {
	wrapped := fmt.Errorf("apply payment: %w", &pgconn.PgError{Code: "40001"})

	assert.True(t, IsDuplicateKeyErr(gorm.ErrDuplicatedKey))
	assert.True(t, IsDuplicateKeyErr(&pgconn.PgError{Code: "23505"}))
	assert.True(t, IsDuplicateKeyErr(errors.New("UNIQUE constraint failed: invoices.number")))
	assert.True(t, IsLockTimeout(&pgconn.PgError{Code: "55P03"}))
	assert.True(t, IsSerializationFailure(wrapped))
	assert.True(t, IsRetryable(wrapped))
	assert.False(t, IsRetryable(errors.New("boom")))
	assert.False(t, IsDuplicateKeyErr(nil))
}
