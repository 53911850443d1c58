package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/JirkaHarasim/dove-eye-tld/internal/calibration"
)

// CalibrationSummary describes a stored snapshot without its camera data.
type CalibrationSummary struct {
	ID        string    `json:"id"`
	Arity     int       `json:"arity"`
	RMS       float64   `json:"rms"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// CalibrationRepository stores calibration snapshots. At most one of them is
// active, the one restored when the pipeline starts.
type CalibrationRepository struct {
	db *sql.DB
}

// Calibrations returns the calibration repository for this store.
func (s *Store) Calibrations() *CalibrationRepository {
	return &CalibrationRepository{db: s.db}
}

// Save stores d and makes it the active snapshot. Saving an existing ID
// replaces its data.
func (r *CalibrationRepository) Save(d *calibration.Data) error {
	if err := d.Validate(); err != nil {
		return err
	}
	b, err := d.Marshal()
	if err != nil {
		return err
	}
	created := d.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}

	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE calibrations SET active = 0 WHERE active = 1`); err != nil {
		return err
	}
	_, err = tx.Exec(
		`INSERT INTO calibrations (id, arity, rms, data, active, created_at)
		 VALUES (?, ?, ?, ?, 1, ?)
		 ON CONFLICT(id) DO UPDATE SET arity = excluded.arity, rms = excluded.rms,
		 data = excluded.data, active = 1`,
		d.ID, d.Arity(), d.RMS, string(b), created,
	)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// Active returns the active snapshot, ErrNotFound if none was saved.
func (r *CalibrationRepository) Active() (*calibration.Data, error) {
	var data string
	err := r.db.QueryRow(`SELECT data FROM calibrations WHERE active = 1`).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return decodeCalibration(data)
}

// GetByID retrieves a snapshot by its ID.
func (r *CalibrationRepository) GetByID(id string) (*calibration.Data, error) {
	var data string
	err := r.db.QueryRow(`SELECT data FROM calibrations WHERE id = ?`, id).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return decodeCalibration(data)
}

// Activate makes the stored snapshot id the active one and returns it.
func (r *CalibrationRepository) Activate(id string) (*calibration.Data, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var data string
	err = tx.QueryRow(`SELECT data FROM calibrations WHERE id = ?`, id).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	d, err := decodeCalibration(data)
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(`UPDATE calibrations SET active = 0 WHERE active = 1 AND id != ?`, id); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(`UPDATE calibrations SET active = 1 WHERE id = ?`, id); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return d, nil
}

// List returns summaries of all snapshots, newest first.
func (r *CalibrationRepository) List() ([]CalibrationSummary, error) {
	rows, err := r.db.Query(
		`SELECT id, arity, rms, active, created_at FROM calibrations ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CalibrationSummary
	for rows.Next() {
		var c CalibrationSummary
		var active int
		if err := rows.Scan(&c.ID, &c.Arity, &c.RMS, &active, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Active = active != 0
		out = append(out, c)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return out, nil
}

// Delete removes a snapshot by its ID.
func (r *CalibrationRepository) Delete(id string) error {
	result, err := r.db.Exec(`DELETE FROM calibrations WHERE id = ?`, id)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

func decodeCalibration(data string) (*calibration.Data, error) {
	d, err := calibration.Unmarshal([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("stored calibration: %w", err)
	}
	return d, nil
}
