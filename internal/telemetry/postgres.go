package telemetry

import (
	"context"
	"database/sql"

	_ "github.com/lib/pq"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an already-open handle, shared with the user
// directory.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Name() string { return "postgres" }

func (p *PostgresStore) Append(ctx context.Context, ev Event) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO telemetry_events(event_type, driver_uid, passenger_uid, trip_id, distance_meters, tariff_rupiah, payload, occurred_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8)`,
		string(ev.Type), nullableInt(ev.DriverUID), nullableInt(ev.PassengerUID), nullableString(ev.TripID),
		nullableInt(ev.DistanceMeters), nullableInt64(ev.TariffRupiah), nullableBytes(ev.Payload), ev.OccurredAt)
	return err
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func nullableInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}

func nullableInt64(n int64) any {
	if n == 0 {
		return nil
	}
	return n
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
