package rls

import (
	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// WithTenant scopes postgres row-level security policies to companyID for the
// rest of the transaction. SET LOCAL cannot take bind parameters, so the
// setting goes through set_config with is_local = true.
func WithTenant(tx *gorm.DB, companyID snowflake.ID) error {
	return tx.Exec(
		"SELECT set_config('app.current_company_id', ?, true)",
		companyID.String(),
	).Error
}
