package checkpointstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

// ErrInvalidDSN is returned when NewPostgresStore is given a blank DSN.
var ErrInvalidDSN = errors.New("checkpointstore: dsn must not be empty")

const (
	defaultTableName    = "replisync_checkpoints"
	defaultQueryTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore persists checkpoints in a single table, one row per
// replication identifier.
type PostgresStore struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

// NewPostgresStore builds a store against dsn. The table is created
// lazily, on first use, so construction never touches the network.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidDSN
	}
	return &PostgresStore{dsn: dsn, tableName: defaultTableName, openDB: sql.Open}, nil
}

// Load implements Store.
func (s *PostgresStore) Load(ctx context.Context, replicationIdentifier string) (*Record, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT modified_time, doc_ids FROM %s WHERE replication_identifier = $1", quoteIdentifier(s.tableName))
	var modifiedTime, docIDsJSON string
	err := s.db.QueryRowContext(ctx, query, replicationIdentifier).Scan(&modifiedTime, &docIDsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var docIDs []string
	if err := json.Unmarshal([]byte(docIDsJSON), &docIDs); err != nil {
		return nil, err
	}
	return &Record{ReplicationIdentifier: replicationIdentifier, ModifiedTime: modifiedTime, DocIDsWithSameModifiedTime: docIDs}, nil
}

// Save implements Store.
func (s *PostgresStore) Save(ctx context.Context, record Record) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	docIDsJSON, err := json.Marshal(record.DocIDsWithSameModifiedTime)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (replication_identifier, modified_time, doc_ids, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (replication_identifier)
		DO UPDATE SET modified_time = EXCLUDED.modified_time, doc_ids = EXCLUDED.doc_ids, updated_at = NOW()`,
		quoteIdentifier(s.tableName))
	_, err = s.db.ExecContext(ctx, query, record.ReplicationIdentifier, record.ModifiedTime, string(docIDsJSON))
	return err
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), defaultQueryTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				replication_identifier TEXT PRIMARY KEY,
				modified_time TEXT NOT NULL,
				doc_ids TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, quoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
