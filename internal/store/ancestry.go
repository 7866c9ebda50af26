package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// RecordAncestry remembers that the file at path was downloaded from host.
func (s *PersistentStore) RecordAncestry(ctx context.Context, path, host string) error {
	key, err := ancestryKey(path)
	if err != nil {
		return err
	}

	s.ancestryMu.Lock()
	defer s.ancestryMu.Unlock()

	dbo := ancestryDBO{Path: key, Host: strings.ToLower(host), RecordedAt: time.Now().Unix()}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO ancestry (path, host, recorded_at) VALUES (?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET host = excluded.host, recorded_at = excluded.recorded_at`),
		dbo.Path, dbo.Host, dbo.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record ancestry for %s: %w", path, err)
	}
	return nil
}

// AncestryHost returns the recorded origin host of path. The boolean is false
// when no record exists.
func (s *PersistentStore) AncestryHost(ctx context.Context, path string) (string, bool, error) {
	key, err := ancestryKey(path)
	if err != nil {
		return "", false, err
	}

	s.ancestryMu.Lock()
	defer s.ancestryMu.Unlock()

	var dbo ancestryDBO
	err = s.db.QueryRowContext(ctx, s.rebind("SELECT path, host, recorded_at FROM ancestry WHERE path = ? LIMIT 1"), key).
		Scan(&dbo.Path, &dbo.Host, &dbo.RecordedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to fetch ancestry for %s: %w", path, err)
	}
	return dbo.Host, true, nil
}

// ForgetAncestry drops the record for path, if any.
func (s *PersistentStore) ForgetAncestry(ctx context.Context, path string) error {
	key, err := ancestryKey(path)
	if err != nil {
		return err
	}

	s.ancestryMu.Lock()
	defer s.ancestryMu.Unlock()

	_, err = s.db.ExecContext(ctx, s.rebind("DELETE FROM ancestry WHERE path = ?"), key)
	return err
}

// ancestryKey identifies a file by its cleaned absolute path.
func ancestryKey(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("invalid ancestry path %s: %w", path, err)
	}
	return filepath.Clean(abs), nil
}
