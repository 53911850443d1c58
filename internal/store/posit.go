package store

import (
	"database/sql"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/JirkaHarasim/dove-eye-tld/internal/geometry"
)

// PositRecord is one logged posit of one target.
type PositRecord struct {
	ID         int64          `json:"id"`
	Seq        uint64         `json:"seq"`
	Target     int            `json:"target"`
	Posit      geometry.Posit `json:"posit"`
	RecordedAt time.Time      `json:"recorded_at"`
}

// PositRepository appends positsets to the posit log.
type PositRepository struct {
	db *sql.DB
}

// Posits returns the posit repository for this store.
func (s *Store) Posits() *PositRepository {
	return &PositRepository{db: s.db}
}

// Record appends every posit of ps in a single transaction.
func (r *PositRepository) Record(ps geometry.Positset) error {
	if len(ps.Posits) == 0 {
		return nil
	}
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO posits (seq, target, valid, x, y, z, views, residual, calibration_version, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for i, p := range ps.Posits {
		valid := 0
		if p.Valid {
			valid = 1
		}
		_, err := stmt.Exec(int64(ps.Seq), i, valid, p.Point.X, p.Point.Y, p.Point.Z,
			p.Views, p.Residual, int64(p.CalibrationVersion), now)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Recent returns up to limit most recent records, newest first.
func (r *PositRepository) Recent(limit int) ([]PositRecord, error) {
	rows, err := r.db.Query(
		`SELECT id, seq, target, valid, x, y, z, views, residual, calibration_version, recorded_at
		 FROM posits ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PositRecord
	for rows.Next() {
		var rec PositRecord
		var seq, version int64
		var valid int
		var x, y, z float64
		err := rows.Scan(&rec.ID, &seq, &rec.Target, &valid, &x, &y, &z,
			&rec.Posit.Views, &rec.Posit.Residual, &version, &rec.RecordedAt)
		if err != nil {
			return nil, err
		}
		rec.Seq = uint64(seq)
		rec.Posit.Valid = valid != 0
		rec.Posit.Point = r3.Vec{X: x, Y: y, Z: z}
		rec.Posit.CalibrationVersion = uint64(version)
		out = append(out, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return out, nil
}

// Count returns the number of logged posits.
func (r *PositRepository) Count() (int, error) {
	var n int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM posits`).Scan(&n)
	return n, err
}

// Prune removes records older than before and returns how many were deleted.
func (r *PositRepository) Prune(before time.Time) (int64, error) {
	result, err := r.db.Exec(`DELETE FROM posits WHERE recorded_at < ?`, before.UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
