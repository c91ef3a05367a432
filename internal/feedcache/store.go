// Package feedcache persists the raw upstream payload of each real-time
// feed, the parsed snapshot built from it and the poller heartbeat. It is
// the hand-off point between the pollers (single writer per feed) and the
// request-serving loaders.
package feedcache

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/klauspost/compress/zstd"
	_ "github.com/mattn/go-sqlite3" // CGo-based SQLite driver

	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/appconf"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/logging"
)

//go:embed schema.sql
var ddl string

// Record is the last upstream response of a feed.
type Record struct {
	Feed       string
	Payload    []byte
	FetchedAt  time.Time
	ETag       string
	LastStatus int
	LastError  string
}

// Parsed is the snapshot decoded from a Record, ready for readers.
type Parsed struct {
	Feed            string
	Payload         []byte
	BuiltAt         time.Time
	SourceFetchedAt time.Time
}

// Store is what pollers and loaders need from the cache.
type Store interface {
	GetRecord(ctx context.Context, feed string) (*Record, error)
	PutRecord(ctx context.Context, rec Record) error
	GetParsed(ctx context.Context, feed string) (*Parsed, error)
	PutParsed(ctx context.Context, p Parsed) error
	Beat(ctx context.Context, b Beat) error
	GetHeartbeat(ctx context.Context) (*Heartbeat, error)
	Ping(ctx context.Context) error
}

type dialect struct {
	name     string
	driver   string
	blobType string
	dollar   bool
}

var (
	sqliteDialect   = dialect{name: "sqlite", driver: "sqlite3", blobType: "BLOB"}
	postgresDialect = dialect{name: "postgres", driver: "pgx", blobType: "BYTEA", dollar: true}
)

// SQLStore implements Store on database/sql for sqlite and postgres.
type SQLStore struct {
	DB      *sql.DB
	dialect dialect
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	logger  *slog.Logger
}

// Open connects to dsn. postgres:// and postgresql:// URLs use pgx;
// anything else is a sqlite path (":memory:" included).
func Open(ctx context.Context, dsn string, env appconf.Environment) (*SQLStore, error) {
	d := sqliteDialect
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		d = postgresDialect
	}
	if env == appconf.Test && d == sqliteDialect && dsn != ":memory:" {
		return nil, fmt.Errorf("test feed cache must use in-memory storage, got path: %s", dsn)
	}

	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, err
	}
	if d == sqliteDialect {
		// one connection keeps a :memory: database alive and serialises writers
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	store, err := newSQLStore(db, d)
	if err != nil {
		logging.SafeCloseWithLogging(db, slog.Default(), "feed cache database")
		return nil, err
	}
	if err := store.migrate(ctx); err != nil {
		logging.SafeCloseWithLogging(db, slog.Default(), "feed cache database")
		return nil, err
	}
	return store, nil
}

func newSQLStore(db *sql.DB, d dialect) (*SQLStore, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &SQLStore{
		DB:      db,
		dialect: d,
		encoder: encoder,
		decoder: decoder,
		logger:  slog.Default().With(slog.String("component", "feedcache"), slog.String("dialect", d.name)),
	}, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	schema := strings.ReplaceAll(ddl, "{{blob}}", s.dialect.blobType)
	for _, stmt := range strings.Split(schema, "-- migrate") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("error executing DDL statement [%s]: %w", stmt, err)
		}
	}
	logging.LogOperation(s.logger, "feedcache_schema_ready")
	return nil
}

func (s *SQLStore) Close() error {
	s.decoder.Close()
	return s.DB.Close()
}

func (s *SQLStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.DB.PingContext(ctx); err != nil {
		return wrap("ping", err)
	}
	return nil
}

// rebind turns ? placeholders into $1..$n for postgres.
func (s *SQLStore) rebind(query string) string {
	if !s.dialect.dollar {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) compress(payload []byte) []byte {
	if len(payload) == 0 {
		return nil
	}
	return s.encoder.EncodeAll(payload, make([]byte, 0, len(payload)/4))
}

func (s *SQLStore) decompress(blob []byte) ([]byte, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	out, err := s.decoder.DecodeAll(blob, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress cached payload: %w", err)
	}
	return out, nil
}

func (s *SQLStore) GetRecord(ctx context.Context, feed string) (*Record, error) {
	row := s.DB.QueryRowContext(ctx, s.rebind(
		`SELECT payload, fetched_at_ms, etag, last_status, last_error FROM rt_feed_cache WHERE feed = ?`), feed)

	var (
		blob      []byte
		fetchedMs int64
		rec       = Record{Feed: feed}
	)
	if err := row.Scan(&blob, &fetchedMs, &rec.ETag, &rec.LastStatus, &rec.LastError); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, wrap("get record", err)
	}
	payload, err := s.decompress(blob)
	if err != nil {
		return nil, err
	}
	rec.Payload = payload
	rec.FetchedAt = fromMillis(fetchedMs)
	return &rec, nil
}

// PutRecord upserts the feed row. A record without payload keeps the
// previously stored payload and etag, so failed fetches only update the
// status columns.
func (s *SQLStore) PutRecord(ctx context.Context, rec Record) error {
	var query string
	var args []any
	if rec.Payload == nil {
		query = `INSERT INTO rt_feed_cache (feed, fetched_at_ms, etag, last_status, last_error) VALUES (?, ?, ?, ?, ?)
ON CONFLICT (feed) DO UPDATE SET last_status = excluded.last_status, last_error = excluded.last_error`
		args = []any{rec.Feed, toMillis(rec.FetchedAt), rec.ETag, rec.LastStatus, rec.LastError}
	} else {
		query = `INSERT INTO rt_feed_cache (feed, payload, fetched_at_ms, etag, last_status, last_error) VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (feed) DO UPDATE SET payload = excluded.payload, fetched_at_ms = excluded.fetched_at_ms,
etag = excluded.etag, last_status = excluded.last_status, last_error = excluded.last_error`
		args = []any{rec.Feed, s.compress(rec.Payload), toMillis(rec.FetchedAt), rec.ETag, rec.LastStatus, rec.LastError}
	}
	if _, err := s.DB.ExecContext(ctx, s.rebind(query), args...); err != nil {
		return wrap("put record", err)
	}
	return nil
}

func (s *SQLStore) GetParsed(ctx context.Context, feed string) (*Parsed, error) {
	row := s.DB.QueryRowContext(ctx, s.rebind(
		`SELECT payload, built_at_ms, source_fetched_at_ms FROM rt_parsed_cache WHERE feed = ?`), feed)

	var (
		blob              []byte
		builtMs, sourceMs int64
	)
	if err := row.Scan(&blob, &builtMs, &sourceMs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, wrap("get parsed", err)
	}
	payload, err := s.decompress(blob)
	if err != nil {
		return nil, err
	}
	return &Parsed{
		Feed:            feed,
		Payload:         payload,
		BuiltAt:         fromMillis(builtMs),
		SourceFetchedAt: fromMillis(sourceMs),
	}, nil
}

func (s *SQLStore) PutParsed(ctx context.Context, p Parsed) error {
	_, err := s.DB.ExecContext(ctx, s.rebind(
		`INSERT INTO rt_parsed_cache (feed, payload, built_at_ms, source_fetched_at_ms) VALUES (?, ?, ?, ?)
ON CONFLICT (feed) DO UPDATE SET payload = excluded.payload, built_at_ms = excluded.built_at_ms,
source_fetched_at_ms = excluded.source_fetched_at_ms`),
		p.Feed, s.compress(p.Payload), toMillis(p.BuiltAt), toMillis(p.SourceFetchedAt))
	if err != nil {
		return wrap("put parsed", err)
	}
	return nil
}

func wrap(op string, err error) error {
	if dbErr := ClassifyError(err); dbErr != nil {
		return fmt.Errorf("feedcache %s: %w", op, dbErr)
	}
	return fmt.Errorf("feedcache %s: %w", op, err)
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
