// Package settings implements sync settings: the small
// key-value store of per-(table, query) delta tokens, which the Pull
// Engine reads and advances on incremental pulls, and per-table
// system-property flags.
package settings

import (
	"context"

	"github.com/synctable/go-table-sync/pkg/store"
	"github.com/synctable/go-table-sync/pkg/syncerr"
	"github.com/synctable/go-table-sync/pkg/value"
)

// SystemTableName is the system table settings rows live in.
const SystemTableName = "__config"

// SystemProperty flags a table's opt-in remote system columns, mirroring
// schema.SystemProperty but tracked per sync settings rather than per
// table definition, since a table can be redefined across app versions
// while its settings persist.
type SystemProperty uint8

const (
	SupportsDeleted SystemProperty = 1 << iota
	SupportsVersion
)

// Store is the Sync Settings store, backed by one row per key in
// SystemTableName.
type Store struct {
	db store.LocalStore
}

func New(db store.LocalStore) *Store {
	return &Store{db: db}
}

func deltaTokenKey(tableName, queryID string) string {
	return "deltaToken|" + tableName + "|" + queryID
}

func systemPropertiesKey(tableName string) string {
	return "systemProperties|" + tableName
}

// DeltaToken returns the stored incremental-pull token for
// (tableName, queryID), and whether one exists yet.
func (s *Store) DeltaToken(ctx context.Context, tableName, queryID string) (string, bool, error) {
	row, ok, err := s.db.Lookup(ctx, SystemTableName, deltaTokenKey(tableName, queryID))
	if err != nil {
		return "", false, syncerr.LocalStoreFailure(err, "settings: reading delta token for %s/%s", tableName, queryID)
	}
	if !ok {
		return "", false, nil
	}
	token, _ := row["value"].AsString()
	return token, true, nil
}

// SetDeltaToken persists the latest incremental-pull token.
func (s *Store) SetDeltaToken(ctx context.Context, tableName, queryID, token string) error {
	row := value.Item{
		"id":    value.String(deltaTokenKey(tableName, queryID)),
		"value": value.String(token),
	}
	if err := s.db.Upsert(ctx, SystemTableName, []value.Item{row}, false); err != nil {
		return syncerr.LocalStoreFailure(err, "settings: writing delta token for %s/%s", tableName, queryID)
	}
	return nil
}

// ClearDeltaToken removes the stored token for (tableName, queryID), so
// the next incremental pull starts from scratch (used by purge).
func (s *Store) ClearDeltaToken(ctx context.Context, tableName, queryID string) error {
	if _, err := s.db.Delete(ctx, SystemTableName, []string{deltaTokenKey(tableName, queryID)}, nil); err != nil {
		return syncerr.LocalStoreFailure(err, "settings: clearing delta token for %s/%s", tableName, queryID)
	}
	return nil
}

// SystemProperties returns the system-property flags recorded for
// tableName (zero if none have ever been recorded).
func (s *Store) SystemProperties(ctx context.Context, tableName string) (SystemProperty, error) {
	row, ok, err := s.db.Lookup(ctx, SystemTableName, systemPropertiesKey(tableName))
	if err != nil {
		return 0, syncerr.LocalStoreFailure(err, "settings: reading system properties for %s", tableName)
	}
	if !ok {
		return 0, nil
	}
	n, _ := row["value"].AsInteger()
	return SystemProperty(n), nil
}

// SetSystemProperties records the system-property flags for tableName.
func (s *Store) SetSystemProperties(ctx context.Context, tableName string, flags SystemProperty) error {
	row := value.Item{
		"id":    value.String(systemPropertiesKey(tableName)),
		"value": value.Integer(int64(flags)),
	}
	if err := s.db.Upsert(ctx, SystemTableName, []value.Item{row}, false); err != nil {
		return syncerr.LocalStoreFailure(err, "settings: writing system properties for %s", tableName)
	}
	return nil
}
