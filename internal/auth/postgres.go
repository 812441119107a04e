package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/ezariago/anemon-backend/internal/models"
)

// PostgresDirectory reads accounts from the users table.
type PostgresDirectory struct {
	db *sql.DB
}

func NewPostgresDirectory(dsn string) (*PostgresDirectory, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresDirectory{db: db}, nil
}

func (d *PostgresDirectory) DB() *sql.DB { return d.db }

func (d *PostgresDirectory) Lookup(ctx context.Context, uid int) (models.UserProfile, int, error) {
	var (
		p       models.UserProfile
		version int
		vehicle string
	)
	err := d.db.QueryRowContext(ctx,
		`SELECT uid, name, email, nik, profile_picture_id, COALESCE(vehicle_image_id, ''), vehicle_preference, token_version
		   FROM users WHERE uid = $1`, uid).
		Scan(&p.UID, &p.Name, &p.Email, &p.NIK, &p.ProfilePictureID, &p.VehicleImageID, &vehicle, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return models.UserProfile{}, 0, fmt.Errorf("%w: uid %d", ErrUnknownUser, uid)
	}
	if err != nil {
		return models.UserProfile{}, 0, err
	}
	pref, err := models.ParseVehiclePreference(vehicle)
	if err != nil {
		return models.UserProfile{}, 0, err
	}
	p.VehiclePreference = pref
	return p, version, nil
}

func (d *PostgresDirectory) Close() error { return d.db.Close() }
