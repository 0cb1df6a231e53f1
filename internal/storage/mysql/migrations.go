package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// schema holds the ordered migration statements run on every start.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS module_state (
		account    VARCHAR(128) NOT NULL,
		namespace  VARCHAR(32)  NOT NULL,
		state      MEDIUMBLOB   NOT NULL,
		updated_at BIGINT       NOT NULL,
		PRIMARY KEY (account, namespace)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE INDEX idx_module_state_updated ON module_state (updated_at)`,
}

func ensureSchema(ctx context.Context, db *sql.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			// CREATE INDEX has no IF NOT EXISTS on MySQL; a duplicate key
			// name error on re-run is expected.
			if isDuplicateIndex(err) {
				continue
			}
			return fmt.Errorf("apply migration %d: %w", i, err)
		}
	}
	return nil
}

func isDuplicateIndex(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "Error 1061") || strings.Contains(msg, "Duplicate key name")
}
