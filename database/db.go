package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/carenote/carenote/config"
	"github.com/carenote/carenote/internal/apierror"
	"github.com/carenote/carenote/model"
)

// Declare a package-level variable to hold the singleton instance.
// Ensure the instance is not accessible outside the package.
var instance *Datasource
var once sync.Once

// MemoryDSN selects the in-process datasource.
const MemoryDSN = "memory://"

type Datasource struct {
	Conn *sql.DB
}

func NewDataSource(configuration *config.Configuration) (IDataSource, error) {
	if strings.HasPrefix(configuration.DataSource.Dns, MemoryDSN) {
		return NewMemoryDataSource(), nil
	}
	con, err := GetDBConnection(configuration)
	if err != nil {
		return nil, err
	}
	return con, nil
}

// GetDBConnection provides a global access point to the instance and initializes it if it's not already.
func GetDBConnection(configuration *config.Configuration) (*Datasource, error) {
	var err error
	once.Do(func() {
		con, errConn := ConnectDB(configuration.DataSource.Dns)
		if errConn != nil {
			err = errConn
			return
		}
		instance = &Datasource{Conn: con}
	})
	if err != nil {
		return nil, err
	}
	return instance, nil
}

// ConnectDB opens a pooled Postgres connection and verifies it. Tables are
// created by the migrate command.
func ConnectDB(dns string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dns)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	err = db.Ping()
	if err != nil {
		log.Printf("database Connection error ❌: %v", err)
		return nil, err
	}
	return db, nil
}

func notFound(kind, id string, err error) error {
	return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("%s with ID '%s' not found", kind, id), err)
}

func versionMismatch(kind, id string, expected int64) error {
	return apierror.NewAPIError(apierror.ErrVersionMismatch,
		fmt.Sprintf("%s '%s' was modified concurrently (expected version %d)", kind, id, expected), nil)
}

// appendChange writes one change log entry inside tx.
func appendChange(ctx context.Context, tx *sql.Tx, kind model.EntityKind, id string, version int64, entity interface{}) error {
	payload, err := json.Marshal(entity)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO carenote.change_log (entity_kind, entity_id, version, payload, changed_at)
		VALUES ($1, $2, $3, $4, $5)
	`, kind, id, version, payload, time.Now().UTC())
	return err
}

// withTx runs fn in a transaction, rolling back on error.
func (d Datasource) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func nullableJSON(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}
