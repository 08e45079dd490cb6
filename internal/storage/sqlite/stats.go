package sqlite

import "fmt"

// Stats summarizes the contents of the results database.
type Stats struct {
	Runs          int   `json:"runs"`
	Stages        int   `json:"stages"`
	SchemaVersion uint  `json:"schema_version"`
	Dirty         bool  `json:"dirty"`
	SizeBytes     int64 `json:"size_bytes"`
}

// Stats counts runs and stages and reports the schema version and the
// database size.
func (s *Store) Stats() (Stats, error) {
	var st Stats
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM calibration_runs`).Scan(&st.Runs); err != nil {
		return st, fmt.Errorf("count runs: %w", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM calibration_stages`).Scan(&st.Stages); err != nil {
		return st, fmt.Errorf("count stages: %w", err)
	}
	var pages, pageSize int64
	if err := s.db.QueryRow(`PRAGMA page_count`).Scan(&pages); err != nil {
		return st, fmt.Errorf("page_count: %w", err)
	}
	if err := s.db.QueryRow(`PRAGMA page_size`).Scan(&pageSize); err != nil {
		return st, fmt.Errorf("page_size: %w", err)
	}
	st.SizeBytes = pages * pageSize

	version, dirty, err := s.MigrateVersion()
	if err != nil {
		return st, err
	}
	st.SchemaVersion, st.Dirty = version, dirty
	return st, nil
}
