// Package localdb implements the offline Local Store on top of a pure-Go SQLite database.
package localdb

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"github.com/glebarez/sqlite"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/trezcool/shule/core/offline"
)

const defaultRelPath = "shule/local.db"

type Config struct {
	Path  string
	Debug bool
}

// DefaultPath returns the local store location in the user's XDG data directory.
func DefaultPath() (string, error) {
	return xdg.DataFile(defaultRelPath)
}

type queueItemRow struct {
	Seq           uint64 `gorm:"primaryKey;autoIncrement"`
	ID            string `gorm:"uniqueIndex;size:26;not null"`
	TargetTable   string `gorm:"column:table_name;index;not null"`
	Operation     string `gorm:"size:10;not null"`
	RecordID      string `gorm:"index;not null"`
	Payload       string
	Timestamp     time.Time `gorm:"not null"`
	Attempts      int       `gorm:"not null;default:0"`
	LastError     string
	LastAttemptAt *time.Time
}

func (queueItemRow) TableName() string { return "sync_queue" }

type recordRow struct {
	Collection string `gorm:"primaryKey"`
	RecordID   string `gorm:"primaryKey"`
	Data       string `gorm:"not null"`
	UpdatedAt  time.Time
}

func (recordRow) TableName() string { return "local_records" }

// Store is a gorm backed offline.Store.
type Store struct {
	db   *gorm.DB
	path string
	now  func() time.Time
}

var _ offline.Store = (*Store)(nil) // interface compliance check

// New opens (and migrates) the local store.
func New(cfg Config) (*Store, error) {
	path := cfg.Path
	if path == "" {
		var err error
		if path, err = DefaultPath(); err != nil {
			return nil, errors.Wrap(err, "resolving local store path")
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrap(err, "creating local store directory")
	}

	logLevel := logger.Silent
	if cfg.Debug {
		logLevel = logger.Info
	}
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(DELETE)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                 logger.Default.LogMode(logLevel),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "opening local store")
	}

	// a single connection serializes writers
	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "getting sql.DB")
	}
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err = db.AutoMigrate(&queueItemRow{}, &recordRow{}); err != nil {
		_ = sqlDB.Close()
		return nil, errors.Wrap(err, "migrating local store")
	}
	return &Store{db: db, path: path, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *Store) Path() string { return s.path }

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toQueueItem(row queueItemRow) (offline.QueueItem, error) {
	item := offline.QueueItem{
		ID:        row.ID,
		TableName: row.TargetTable,
		Operation: offline.Operation(row.Operation),
		RecordID:  row.RecordID,
		Timestamp: row.Timestamp.UTC(),
		Attempts:  row.Attempts,
		LastError: row.LastError,
	}
	if row.LastAttemptAt != nil {
		item.LastAttemptAt = row.LastAttemptAt.UTC()
	}
	if row.Payload != "" {
		if err := json.Unmarshal([]byte(row.Payload), &item.Payload); err != nil {
			return offline.QueueItem{}, errors.Wrap(err, "decoding queue payload")
		}
	}
	return item, nil
}

func (s *Store) enqueue(tx *gorm.DB, table string, op offline.Operation, recordID string, payload map[string]interface{}) (offline.QueueItem, error) {
	if err := (offline.Change{Table: table, Operation: op, RecordID: recordID}).Validate(); err != nil {
		return offline.QueueItem{}, err
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return offline.QueueItem{}, errors.Wrap(err, "encoding queue payload")
	}
	row := queueItemRow{
		ID:          offline.NewID(),
		TargetTable: table,
		Operation:   string(op),
		RecordID:    recordID,
		Payload:     string(b),
		Timestamp:   s.now(),
	}
	if err = tx.Create(&row).Error; err != nil {
		return offline.QueueItem{}, errors.Wrap(err, "inserting queue item")
	}
	return toQueueItem(row)
}

func (s *Store) Enqueue(ctx context.Context, table string, op offline.Operation, recordID string, payload map[string]interface{}) (string, error) {
	item, err := s.enqueue(s.db.WithContext(ctx), table, op, recordID, payload)
	if err != nil {
		return "", err
	}
	return item.ID, nil
}

func (s *Store) Apply(ctx context.Context, changes ...offline.Change) ([]offline.QueueItem, error) {
	return s.Update(ctx, func(offline.Reader) ([]offline.Change, error) { return changes, nil })
}

// txReader reads records through the connection held by a transaction.
type txReader struct {
	tx *gorm.DB
}

func (r txReader) GetRecord(table, id string, dst interface{}) error {
	return getRecord(r.tx, table, id, dst)
}

func (s *Store) Update(ctx context.Context, fn offline.UpdateFunc) ([]offline.QueueItem, error) {
	var (
		items  []offline.QueueItem
		fnErr  error
		badErr error
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		changes, err := fn(txReader{tx: tx})
		if err != nil {
			fnErr = err
			return err
		}
		for _, c := range changes {
			if err = c.Validate(); err != nil {
				badErr = err
				return err
			}
		}

		items = make([]offline.QueueItem, 0, len(changes))
		for _, c := range changes {
			if err = s.applyRecord(tx, c); err != nil {
				return err
			}
			item, err := s.enqueue(tx, c.Table, c.Operation, c.RecordID, c.Payload)
			if err != nil {
				return err
			}
			items = append(items, item)
		}
		return nil
	})
	switch {
	case fnErr != nil:
		return nil, fnErr
	case badErr != nil:
		return nil, badErr
	case err != nil:
		return nil, errors.Wrap(err, "applying changes")
	}
	return items, nil
}

func (s *Store) applyRecord(tx *gorm.DB, c offline.Change) error {
	if c.Operation == offline.OpDelete {
		err := tx.Where("collection = ? AND record_id = ?", c.Table, c.RecordID).Delete(&recordRow{}).Error
		return errors.Wrap(err, "deleting record")
	}

	data := c.Payload
	if c.Operation == offline.OpUpdate {
		var existing recordRow
		err := tx.Where("collection = ? AND record_id = ?", c.Table, c.RecordID).Take(&existing).Error
		switch {
		case err == nil:
			base := make(map[string]interface{})
			if err = json.Unmarshal([]byte(existing.Data), &base); err != nil {
				return errors.Wrap(err, "decoding record")
			}
			data = offline.Merge(base, c.Payload)
		case errors.Is(err, gorm.ErrRecordNotFound):
		default:
			return errors.Wrap(err, "loading record")
		}
	}
	return s.putRecord(tx, c.Table, c.RecordID, data)
}

func (s *Store) putRecord(tx *gorm.DB, table, id string, data map[string]interface{}) error {
	b, err := json.Marshal(data)
	if err != nil {
		return errors.Wrap(err, "encoding record")
	}
	row := recordRow{Collection: table, RecordID: id, Data: string(b), UpdatedAt: s.now()}
	err = tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "collection"}, {Name: "record_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
	}).Create(&row).Error
	return errors.Wrap(err, "saving record")
}

func (s *Store) PendingItems(ctx context.Context) ([]offline.QueueItem, error) {
	var rows []queueItemRow
	if err := s.db.WithContext(ctx).Order("seq ASC").Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "querying queue items")
	}
	items := make([]offline.QueueItem, 0, len(rows))
	for _, row := range rows {
		item, err := toQueueItem(row)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func (s *Store) RemoveItem(ctx context.Context, id string) error {
	err := s.db.WithContext(ctx).Where("id = ?", id).Delete(&queueItemRow{}).Error
	return errors.Wrap(err, "deleting queue item")
}

func (s *Store) ClearQueue(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Where("1 = 1").Delete(&queueItemRow{})
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "clearing queue")
	}
	return res.RowsAffected, nil
}

func (s *Store) RecordFailure(ctx context.Context, id, errMsg string, at time.Time) (offline.QueueItem, error) {
	at = at.UTC()
	var row queueItemRow
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&queueItemRow{}).Where("id = ?", id).Updates(map[string]interface{}{
			"attempts":        gorm.Expr("attempts + 1"),
			"last_error":      errMsg,
			"last_attempt_at": &at,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return offline.ErrNotFound
		}
		return tx.Where("id = ?", id).Take(&row).Error
	})
	if err != nil {
		if errors.Is(err, offline.ErrNotFound) {
			return offline.QueueItem{}, offline.ErrNotFound
		}
		return offline.QueueItem{}, errors.Wrap(err, "recording failure")
	}
	return toQueueItem(row)
}

func (s *Store) ResetAttempts(ctx context.Context, ids ...string) (int64, error) {
	q := s.db.WithContext(ctx).Model(&queueItemRow{})
	if len(ids) > 0 {
		q = q.Where("id IN ?", ids)
	} else {
		q = q.Where("1 = 1")
	}
	res := q.Updates(map[string]interface{}{"attempts": 0, "last_error": "", "last_attempt_at": nil})
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "resetting attempts")
	}
	return res.RowsAffected, nil
}

func (s *Store) GetRecord(ctx context.Context, table, id string, dst interface{}) error {
	return getRecord(s.db.WithContext(ctx), table, id, dst)
}

func getRecord(db *gorm.DB, table, id string, dst interface{}) error {
	var row recordRow
	err := db.Where("collection = ? AND record_id = ?", table, id).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return offline.ErrNotFound
		}
		return errors.Wrap(err, "loading record")
	}
	return errors.Wrap(json.Unmarshal([]byte(row.Data), dst), "decoding record")
}

func (s *Store) ListRecords(ctx context.Context, table string) ([]offline.Record, error) {
	var rows []recordRow
	if err := s.db.WithContext(ctx).Where("collection = ?", table).Order("record_id ASC").Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "querying records")
	}
	records := make([]offline.Record, 0, len(rows))
	for _, row := range rows {
		rec := offline.Record{Table: row.Collection, ID: row.RecordID, UpdatedAt: row.UpdatedAt.UTC()}
		if err := json.Unmarshal([]byte(row.Data), &rec.Data); err != nil {
			return nil, errors.Wrap(err, "decoding record")
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *Store) CacheRecord(ctx context.Context, table, id string, data map[string]interface{}, deleted bool) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var pending int64
		err := tx.Model(&queueItemRow{}).Where("table_name = ? AND record_id = ?", table, id).Count(&pending).Error
		if err != nil {
			return errors.Wrap(err, "counting pending items")
		}
		if pending > 0 {
			return nil
		}
		if deleted {
			err = tx.Where("collection = ? AND record_id = ?", table, id).Delete(&recordRow{}).Error
			return errors.Wrap(err, "deleting record")
		}
		return s.putRecord(tx, table, id, data)
	})
}
