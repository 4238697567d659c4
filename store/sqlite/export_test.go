package sqlite

import "database/sql"

// RawDB exposes the handle so tests can attempt statements the store
// never issues.
func RawDB(s *Store) *sql.DB { return s.db }
