package ace

import (
	"context"
	"database/sql"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/XiaoConstantine/ace-go/pkg/errors"
	"github.com/XiaoConstantine/ace-go/pkg/logging"
	_ "github.com/mattn/go-sqlite3"
)

// sqliteCacheStore persists embedding records in a SQLite database.
// Vectors are stored as little-endian float32 blobs.
type sqliteCacheStore struct {
	db *sql.DB
}

func newSQLiteCacheStore(path string) (*sqliteCacheStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, errors.Unknown, "failed to open embedding cache database")
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	store := &sqliteCacheStore{db: db}
	if err := store.initDB(); err != nil {
		db.Close()
		return nil, err
	}

	// WAL keeps concurrent readers off the writer's back.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.Unknown, "failed to enable WAL mode")
	}
	pragmas := []string{
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			logging.GetLogger().Warn(context.Background(), "Failed to set pragma %s: %v", pragma, err)
		}
	}

	return store, nil
}

func (s *sqliteCacheStore) initDB() error {
	query := `
	CREATE TABLE IF NOT EXISTS embedding_cache (
		bullet_id TEXT PRIMARY KEY,
		content_hash TEXT NOT NULL,
		model_id TEXT NOT NULL,
		vector BLOB NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_embedding_model ON embedding_cache(model_id);
	`

	if _, err := s.db.Exec(query); err != nil {
		return errors.Wrap(err, errors.Unknown, "failed to initialize embedding cache schema")
	}
	return nil
}

func (s *sqliteCacheStore) LoadRecords() (map[string]CacheRecord, error) {
	rows, err := s.db.Query("SELECT bullet_id, content_hash, model_id, vector, created_at FROM embedding_cache")
	if err != nil {
		return nil, errors.Wrap(err, errors.Unknown, "failed to read embedding cache")
	}
	defer rows.Close()

	records := make(map[string]CacheRecord)
	for rows.Next() {
		var rec CacheRecord
		var blob []byte
		var createdAt int64
		if err := rows.Scan(&rec.BulletID, &rec.ContentHash, &rec.ModelID, &blob, &createdAt); err != nil {
			return nil, errors.Wrap(err, errors.Unknown, "failed to scan embedding cache row")
		}
		vector, err := decodeVector(blob)
		if err != nil {
			return nil, errors.WithFields(err, errors.Fields{"bullet_id": rec.BulletID})
		}
		rec.Vector = vector
		rec.CreatedAt = time.Unix(0, createdAt).UTC()
		records[rec.BulletID] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.Unknown, "failed to iterate embedding cache rows")
	}
	return records, nil
}

// SaveRecords replaces the table contents in one transaction so the
// persisted state always matches the in-memory map exactly.
func (s *sqliteCacheStore) SaveRecords(records map[string]CacheRecord) error {
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, errors.Unknown, "failed to begin embedding cache transaction")
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM embedding_cache"); err != nil {
		return errors.Wrap(err, errors.Unknown, "failed to clear embedding cache")
	}

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO embedding_cache (bullet_id, content_hash, model_id, vector, created_at)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return errors.Wrap(err, errors.Unknown, "failed to prepare embedding cache statement")
	}
	defer stmt.Close()

	for _, rec := range records {
		if _, err := stmt.Exec(rec.BulletID, rec.ContentHash, rec.ModelID, encodeVector(rec.Vector), rec.CreatedAt.UnixNano()); err != nil {
			return errors.WithFields(
				errors.Wrap(err, errors.Unknown, "failed to write embedding cache row"),
				errors.Fields{"bullet_id": rec.BulletID},
			)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, errors.Unknown, "failed to commit embedding cache transaction")
	}
	return nil
}

func (s *sqliteCacheStore) Close() error {
	return s.db.Close()
}

func encodeVector(vector []float32) []byte {
	buf := make([]byte, 4*len(vector))
	for i, v := range vector {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, errors.New(errors.SerializationFailed, "embedding blob length is not a multiple of 4")
	}
	vector := make([]float32, len(blob)/4)
	for i := range vector {
		vector[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vector, nil
}
