// Package dbh contains helpers for opening our SQLite databases and
// running schema migrations before handing the connection over to gorm.
package dbh

import (
	"errors"
	stdlog "log"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/migration"
	"github.com/cyclopcam/logs"
	_ "github.com/mattn/go-sqlite3"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

// DBConnectFlags are flags passed to OpenDB.
type DBConnectFlags int

const DriverSqlite = "sqlite3"

const (
	// DBConnectFlagWipeDB erases the entire DB before opening (useful for unit tests).
	DBConnectFlagWipeDB DBConnectFlags = 1 << iota
)

// DBConfig is the database config that we expect to find in our JSON config file.
type DBConfig struct {
	Driver   string
	Database string
}

func MakeSqliteConfig(filename string) DBConfig {
	return DBConfig{
		Driver:   DriverSqlite,
		Database: filename,
	}
}

func (db *DBConfig) DSN() string {
	return db.Database
}

// MakeMigrationFromSQL turns an SQL string into a burntsushi migration
func MakeMigrationFromSQL(log logs.Log, migrationNumber *int, sql string) migration.Migrator {
	idx := *migrationNumber + 1
	*migrationNumber++

	return func(tx migration.LimitedTx) error {
		summary := strings.TrimSpace(sql)
		var l int
		if l = len(summary) - 1; l > 40 {
			l = 40
		}
		firstNewline := strings.IndexAny(summary, "\n\r")
		if firstNewline != -1 && firstNewline < l {
			l = firstNewline
		}
		log.Infof("Running migration %v: '%v...'", idx, summary[:l])
		_, err := tx.Exec(sql)
		return err
	}
}

// OpenDB creates a new DB, or opens an existing one, and runs all the
// migrations before returning.
func OpenDB(log logs.Log, dbc DBConfig, migrations []migration.Migrator, flags DBConnectFlags) (*gorm.DB, error) {
	if flags&DBConnectFlagWipeDB != 0 {
		if err := DropAllTables(log, dbc); err != nil {
			return nil, err
		}
	}
	db, err := migration.Open(dbc.Driver, dbc.DSN(), migrations)
	if err != nil {
		return nil, err
	}
	db.Close()
	return gormOpen(dbc.DSN())
}

// DropAllTables deletes the database file.
// If the database does not exist, returns nil.
// This function is intended to be used by unit tests.
func DropAllTables(log logs.Log, dbc DBConfig) error {
	err := os.Remove(dbc.Database)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func gormOpen(dsn string) (*gorm.DB, error) {
	newLogger := logger.New(
		stdlog.New(os.Stdout, "\r\n", stdlog.LstdFlags),
		logger.Config{
			SlowThreshold: time.Second,
			LogLevel:      logger.Warn,
			// Record not found is just never a loggable thing.
			IgnoreRecordNotFoundError: true,
			Colorful:                  true,
		},
	)
	config := &gorm.Config{
		NamingStrategy: schema.NamingStrategy{
			// Disable pluralization of tables.
			// This is just another thing to worry about when writing our own migrations, so rather disable it.
			SingularTable: true,
		},
		Logger: newLogger,
	}
	return gorm.Open(sqlite.Open(dsn), config)
}
