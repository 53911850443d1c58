package store

// runMigrations executes all database migrations.
func (s *Store) runMigrations() error {
	migrations := []string{
		// Calibration snapshots, one row per applied calibration.
		`CREATE TABLE IF NOT EXISTS calibrations (
			id TEXT PRIMARY KEY,
			arity INTEGER NOT NULL CHECK(arity > 0),
			rms REAL NOT NULL DEFAULT 0,
			data TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		// Posit log, one row per target per positset.
		`CREATE TABLE IF NOT EXISTS posits (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			seq INTEGER NOT NULL,
			target INTEGER NOT NULL,
			valid INTEGER NOT NULL,
			x REAL NOT NULL,
			y REAL NOT NULL,
			z REAL NOT NULL,
			views INTEGER NOT NULL,
			residual REAL NOT NULL,
			calibration_version INTEGER NOT NULL,
			recorded_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		// Settings table - application settings as key-value pairs
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_posits_seq ON posits(seq)`,
		// At most one active calibration.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_calibrations_active ON calibrations(active) WHERE active = 1`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return err
		}
	}

	return nil
}
