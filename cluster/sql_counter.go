package cluster

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// counterRow is one counter in the tx_counters table.
type counterRow struct {
	Name  string `gorm:"primaryKey;size:128"`
	Value uint64 `gorm:"not null"`
}

func (counterRow) TableName() string {
	return "tx_counters"
}

// SQLCounters keeps the counters in a SQL table. Compare-and-set is a conditional update.
type SQLCounters struct {
	db *gorm.DB
}

// OpenMySQL opens the database the counters live in.
func OpenMySQL(dsn string) (*gorm.DB, error) {
	return gorm.Open(mysql.Open(dsn), &gorm.Config{})
}

// NewSQLCounters migrates the counter table and returns the store.
func NewSQLCounters(db *gorm.DB) (*SQLCounters, error) {
	if err := db.AutoMigrate(&counterRow{}); err != nil {
		return nil, fmt.Errorf("sql counters: migrate: %w", err)
	}
	return &SQLCounters{db: db}, nil
}

func (s *SQLCounters) Counter(name string) Counter {
	return &sqlCounter{db: s.db, name: name}
}

type sqlCounter struct {
	db   *gorm.DB
	name string
}

func (c *sqlCounter) Get(ctx context.Context) (uint64, error) {
	var row counterRow
	err := c.db.WithContext(ctx).Where("name = ?", c.name).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("sql counter %s: %w", c.name, err)
	}
	return row.Value, nil
}

func (c *sqlCounter) CompareAndSet(ctx context.Context, expect, update uint64) (bool, error) {
	db := c.db.WithContext(ctx)
	if expect == 0 {
		// a missing row reads as 0
		res := c.create(db, update)
		if res.Error != nil {
			return false, fmt.Errorf("sql counter %s: create: %w", c.name, res.Error)
		}
		if res.RowsAffected == 1 {
			return true, nil
		}
	}
	res := c.update(db, expect, update)
	if res.Error != nil {
		return false, fmt.Errorf("sql counter %s: update: %w", c.name, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (c *sqlCounter) create(db *gorm.DB, value uint64) *gorm.DB {
	return db.Clauses(clause.OnConflict{DoNothing: true}).Create(&counterRow{Name: c.name, Value: value})
}

// update only touches the row while it still holds expect.
func (c *sqlCounter) update(db *gorm.DB, expect, value uint64) *gorm.DB {
	return db.Model(&counterRow{}).
		Where("name = ? AND value = ?", c.name, expect).
		Update("value", value)
}
