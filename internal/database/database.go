package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"device-sync-service/internal/config"
	"device-sync-service/internal/logger"
)

type Database struct {
	DB     *sql.DB
	Driver string
}

// NewDatabase connects to MySQL, retrying the initial ping up to attempts
// times one second apart.
func NewDatabase(cfg config.DatabaseConnection, attempts int) (*Database, error) {
	dsn := mysql.NewConfig()
	dsn.User = cfg.User
	dsn.Passwd = cfg.Password
	dsn.Net = "tcp"
	dsn.Addr = cfg.Addr()
	dsn.DBName = cfg.Database
	dsn.ParseTime = true
	dsn.MultiStatements = true

	db, err := sql.Open("mysql", dsn.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		err = db.Ping()
		if err == nil {
			break
		}
		logger.Log.Info("Waiting for database...", zap.String("host", cfg.Host), zap.Error(err), zap.Int("attempt", i+1))
		if i+1 < attempts {
			time.Sleep(time.Second)
		}
	}
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Connection pool settings
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(time.Hour)

	logger.Log.Info("Connected to database",
		zap.String("host", cfg.Host),
		zap.String("database", cfg.Database),
	)

	return &Database{DB: db, Driver: "mysql"}, nil
}

// NewSQLite opens (creating if needed) a SQLite database file. Use
// ":memory:" for a throwaway database.
func NewSQLite(path string) (*Database, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite database: %w", err)
	}

	// SQLite only supports one writer at a time; a single connection also
	// keeps ":memory:" databases alive for the life of the pool.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	logger.Log.Info("Opened sqlite database", zap.String("path", path))

	return &Database{DB: db, Driver: "sqlite3"}, nil
}

func (d *Database) Close() error {
	return d.DB.Close()
}

// ExecTx executes a function within a transaction
func (d *Database) ExecTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx err: %v, rb err: %v", err, rbErr)
		}
		return err
	}

	return tx.Commit()
}
