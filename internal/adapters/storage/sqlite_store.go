package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"loanshelf/internal/core/domain/ports"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
	"github.com/uptrace/bun/schema"
)

var _ ports.BlobStore = (*SQLiteStore)(nil)

type blobRow struct {
	bun.BaseModel `bun:"table:blobs,alias:b"`

	Account   string    `bun:"account,pk"`
	Key       string    `bun:"blob_key,pk"`
	Data      []byte    `bun:"data"`
	UpdatedAt time.Time `bun:"updated_at,notnull"`
}

// SQLiteStore keeps blobs as rows of a single table.
type SQLiteStore struct {
	db *bun.DB
}

// OpenSQLiteStore opens (creating if needed) the database file at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	sqldb, err := sql.Open(sqliteshim.ShimName, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	sqldb.SetMaxOpenConns(1)
	store, err := NewSQLiteStore(sqldb, sqlitedialect.New())
	if err != nil {
		sqldb.Close()
		return nil, err
	}
	return store, nil
}

func NewSQLiteStore(db *sql.DB, dialect schema.Dialect) (*SQLiteStore, error) {
	bunDB := bun.NewDB(db, dialect)

	ctx := context.Background()
	if _, err := bunDB.NewCreateTable().Model((*blobRow)(nil)).IfNotExists().Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to create blobs table: %w", err)
	}
	return &SQLiteStore{db: bunDB}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Read(ctx context.Context, account, key string) ([]byte, error) {
	key, err := s.validate(account, key, false)
	if err != nil {
		return nil, err
	}
	row := new(blobRow)
	err = s.db.NewSelect().Model(row).
		Where("account = ? AND blob_key = ?", account, key).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ports.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return row.Data, nil
}

func (s *SQLiteStore) Exists(ctx context.Context, account, key string) (bool, error) {
	key, err := s.validate(account, key, false)
	if err != nil {
		return false, err
	}
	return s.db.NewSelect().Model((*blobRow)(nil)).
		Where("account = ? AND blob_key = ?", account, key).
		Exists(ctx)
}

// Write upserts the blob inside a transaction.
func (s *SQLiteStore) Write(ctx context.Context, account, key string, data []byte) error {
	key, err := s.validate(account, key, false)
	if err != nil {
		return err
	}
	row := &blobRow{Account: account, Key: key, Data: data, UpdatedAt: time.Now().UTC()}
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		_, err := tx.NewInsert().Model(row).
			On("CONFLICT (account, blob_key) DO UPDATE").
			Set("data = EXCLUDED.data").
			Set("updated_at = EXCLUDED.updated_at").
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("write %s: %w", key, err)
		}
		return nil
	})
}

func (s *SQLiteStore) DeleteTree(ctx context.Context, account, prefix string) error {
	prefix, err := s.validate(account, prefix, true)
	if err != nil {
		return err
	}
	q := s.db.NewDelete().Model((*blobRow)(nil)).Where("account = ?", account)
	if prefix != "" {
		sub := prefix + "/"
		q = q.Where("(blob_key = ? OR substr(blob_key, 1, ?) = ?)", prefix, len(sub), sub)
	}
	if _, err := q.Exec(ctx); err != nil {
		return fmt.Errorf("delete %s/%s: %w", account, prefix, err)
	}
	return nil
}

func (s *SQLiteStore) validate(account, key string, allowEmpty bool) (string, error) {
	if err := checkAccount(account); err != nil {
		return "", err
	}
	return cleanKey(key, allowEmpty)
}
