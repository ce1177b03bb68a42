package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
	"github.com/smartprice/price-watcher/internal/models"
)

// SQLiteStore backs the history ledger, alert records, and target registry
// with an embedded sqlite database, for standalone worker hosts.
type SQLiteStore struct {
	conn *sql.DB
}

var (
	_ HistoryStore   = (*SQLiteStore)(nil)
	_ AlertStore     = (*SQLiteStore)(nil)
	_ TargetRegistry = (*SQLiteStore)(nil)
	_ OwnerDirectory = (*SQLiteStore)(nil)
)

// NewSQLiteStore opens (and if needed initializes) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	conn, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	s := &SQLiteStore{conn: conn}
	if err := s.init(); err != nil {
		conn.Close()
		return nil, err
	}

	logrus.Infof("SQLite store ready at %s", dbPath)
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.conn.Close()
}

func (s *SQLiteStore) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS targets (
		id TEXT PRIMARY KEY,
		site TEXT NOT NULL,
		locator TEXT NOT NULL,
		name TEXT,
		target_price REAL DEFAULT 0,
		interval_seconds INTEGER NOT NULL,
		owner_id TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT 'active',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE TABLE IF NOT EXISTS price_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		target_id TEXT NOT NULL,
		price REAL NOT NULL,
		currency TEXT,
		observed_at DATETIME NOT NULL,
		available BOOLEAN NOT NULL,
		source TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_history_target_time ON price_history (target_id, observed_at);
	CREATE TABLE IF NOT EXISTS alerts (
		id TEXT PRIMARY KEY,
		target_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		channel TEXT NOT NULL,
		status TEXT NOT NULL,
		dedup_key TEXT NOT NULL,
		message TEXT,
		delivered_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_alerts_dedup ON alerts (dedup_key, delivered_at);
	CREATE TABLE IF NOT EXISTS owners (
		id TEXT PRIMARY KEY,
		channels TEXT NOT NULL,
		subscribed TEXT NOT NULL
	);
	`
	_, err := s.conn.Exec(schema)
	return err
}

// Append inserts an observation after checking per-target ordering against
// the latest stored row. The history index makes the check one lookup.
func (s *SQLiteStore) Append(ctx context.Context, obs models.PriceObservation) error {
	latest, err := s.Latest(ctx, obs.TargetID)
	if err != nil {
		return err
	}
	if latest != nil && obs.ObservedAt.Before(latest.ObservedAt) {
		return fmt.Errorf("out-of-order observation for target %s: %v before %v",
			obs.TargetID, obs.ObservedAt, latest.ObservedAt)
	}

	_, err = s.conn.ExecContext(ctx,
		"INSERT INTO price_history (target_id, price, currency, observed_at, available, source) VALUES (?, ?, ?, ?, ?, ?)",
		obs.TargetID, obs.Price, obs.Currency, obs.ObservedAt, obs.Available, obs.Source,
	)
	return err
}

// Latest returns the most recent observation for a target, or nil.
func (s *SQLiteStore) Latest(ctx context.Context, targetID string) (*models.PriceObservation, error) {
	row := s.conn.QueryRowContext(ctx,
		"SELECT target_id, price, currency, observed_at, available, source FROM price_history WHERE target_id = ? ORDER BY observed_at DESC, id DESC LIMIT 1",
		targetID,
	)

	var obs models.PriceObservation
	var currency, source sql.NullString
	err := row.Scan(&obs.TargetID, &obs.Price, &currency, &obs.ObservedAt, &obs.Available, &source)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	obs.Currency = currency.String
	obs.Source = source.String
	return &obs, nil
}

// History returns a target's observations at or after since, oldest first.
func (s *SQLiteStore) History(ctx context.Context, targetID string, since time.Time) ([]models.PriceObservation, error) {
	rows, err := s.conn.QueryContext(ctx,
		"SELECT target_id, price, currency, observed_at, available, source FROM price_history WHERE target_id = ? AND observed_at >= ? ORDER BY observed_at ASC, id ASC",
		targetID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.PriceObservation
	for rows.Next() {
		var obs models.PriceObservation
		var currency, source sql.NullString
		if err := rows.Scan(&obs.TargetID, &obs.Price, &currency, &obs.ObservedAt, &obs.Available, &source); err != nil {
			return nil, err
		}
		obs.Currency = currency.String
		obs.Source = source.String
		out = append(out, obs)
	}
	return out, rows.Err()
}

// RecordAlert persists one delivery record.
func (s *SQLiteStore) RecordAlert(ctx context.Context, rec models.AlertRecord) error {
	_, err := s.conn.ExecContext(ctx,
		"INSERT INTO alerts (id, target_id, kind, channel, status, dedup_key, message, delivered_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		rec.ID, rec.TargetID, string(rec.Kind), string(rec.Channel), string(rec.Status), rec.DedupKey, rec.Message, rec.DeliveredAt,
	)
	return err
}

// LastDelivered answers the dedup query with an indexed lookup rather than a
// history scan.
func (s *SQLiteStore) LastDelivered(ctx context.Context, targetID string, kind models.DeltaKind, channel models.ChannelKind) (time.Time, bool, error) {
	row := s.conn.QueryRowContext(ctx,
		"SELECT delivered_at FROM alerts WHERE dedup_key = ? AND status = ? ORDER BY delivered_at DESC LIMIT 1",
		DedupKey(targetID, kind, channel), string(models.DeliverySent),
	)

	var at time.Time
	err := row.Scan(&at)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return at, true, nil
}

// PutTarget inserts or replaces a target row.
func (s *SQLiteStore) PutTarget(ctx context.Context, t models.TrackedTarget) error {
	locator, err := json.Marshal(t.Locator)
	if err != nil {
		return err
	}
	_, err = s.conn.ExecContext(ctx,
		`INSERT INTO targets (id, site, locator, name, target_price, interval_seconds, owner_id, state)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET site=excluded.site, locator=excluded.locator, name=excluded.name,
		 target_price=excluded.target_price, interval_seconds=excluded.interval_seconds,
		 owner_id=excluded.owner_id, state=excluded.state`,
		t.ID, t.Site, string(locator), t.Name, t.TargetPrice, int64(t.Interval.Seconds()), t.OwnerID, string(t.State),
	)
	return err
}

// List returns every target not in the terminal removed state.
func (s *SQLiteStore) List(ctx context.Context) ([]models.TrackedTarget, error) {
	rows, err := s.conn.QueryContext(ctx,
		"SELECT id, site, locator, name, target_price, interval_seconds, owner_id, state, created_at FROM targets WHERE state != ?",
		string(models.StateRemoved),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.TrackedTarget
	for rows.Next() {
		t, err := scanTarget(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Get returns one target, or nil when unknown.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*models.TrackedTarget, error) {
	row := s.conn.QueryRowContext(ctx,
		"SELECT id, site, locator, name, target_price, interval_seconds, owner_id, state, created_at FROM targets WHERE id = ?",
		id,
	)
	t, err := scanTarget(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func scanTarget(scan func(...interface{}) error) (models.TrackedTarget, error) {
	var t models.TrackedTarget
	var locator, state string
	var intervalSeconds int64
	var createdAt sql.NullTime

	err := scan(&t.ID, &t.Site, &locator, &t.Name, &t.TargetPrice, &intervalSeconds, &t.OwnerID, &state, &createdAt)
	if err != nil {
		return t, err
	}
	if err := json.Unmarshal([]byte(locator), &t.Locator); err != nil {
		return t, fmt.Errorf("decoding locator for target %s: %w", t.ID, err)
	}
	t.Interval = time.Duration(intervalSeconds) * time.Second
	t.State = models.TargetState(state)
	if createdAt.Valid {
		t.CreatedAt = createdAt.Time
	}
	return t, nil
}

// PutOwner inserts or replaces an owner's notification preferences.
func (s *SQLiteStore) PutOwner(ctx context.Context, o models.Owner) error {
	channels, err := json.Marshal(o.Channels)
	if err != nil {
		return err
	}
	subscribed, err := json.Marshal(o.Subscribed)
	if err != nil {
		return err
	}
	_, err = s.conn.ExecContext(ctx,
		`INSERT INTO owners (id, channels, subscribed) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET channels=excluded.channels, subscribed=excluded.subscribed`,
		o.ID, string(channels), string(subscribed),
	)
	return err
}

// Owner returns an owner's preferences, or nil when unknown.
func (s *SQLiteStore) Owner(ctx context.Context, id string) (*models.Owner, error) {
	row := s.conn.QueryRowContext(ctx, "SELECT id, channels, subscribed FROM owners WHERE id = ?", id)

	var o models.Owner
	var channels, subscribed string
	err := row.Scan(&o.ID, &channels, &subscribed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(channels), &o.Channels); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(subscribed), &o.Subscribed); err != nil {
		return nil, err
	}
	return &o, nil
}
