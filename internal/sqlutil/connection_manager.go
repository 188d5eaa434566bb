// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlutil

import (
	"database/sql"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/element-hq/construct/setup/config"
	"github.com/element-hq/construct/setup/process"
)

// ConnectionManager hands out database connections, reusing the same
// connection pool for components that share a connection string. This keeps
// the single-database configuration down to one pool per process.
type ConnectionManager struct {
	globalConfig config.DatabaseOptions
	processCtx   *process.ProcessContext
	existing     sync.Map // config.DataSource -> *sql.DB
	writers      sync.Map // config.DataSource -> Writer
}

func NewConnectionManager(processCtx *process.ProcessContext, globalConfig config.DatabaseOptions) *ConnectionManager {
	return &ConnectionManager{
		globalConfig: globalConfig,
		processCtx:   processCtx,
	}
}

// Connection opens a connection using the component database options, falling
// back to the global pool when the component has no connection string of its
// own. SQLite connections get an ExclusiveWriter, postgres a DummyWriter.
func (c *ConnectionManager) Connection(dbProperties *config.DatabaseOptions) (*sql.DB, Writer, error) {
	if dbProperties.ConnectionString == "" {
		if c.globalConfig.ConnectionString == "" {
			return nil, nil, fmt.Errorf("no database connection string configured")
		}
		dbProperties = &c.globalConfig
	}
	cs := dbProperties.ConnectionString
	if db, ok := c.existing.Load(cs); ok {
		writer, _ := c.writers.Load(cs)
		return db.(*sql.DB), writer.(Writer), nil
	}

	var writer Writer
	switch {
	case cs.IsSQLite():
		writer = NewExclusiveWriter()
	case cs.IsPostgres():
		writer = NewDummyWriter()
	default:
		return nil, nil, fmt.Errorf("unexpected database connection string %q", cs)
	}

	db, err := Open(dbProperties)
	if err != nil {
		return nil, nil, err
	}
	c.existing.Store(cs, db)
	c.writers.Store(cs, writer)

	if c.processCtx != nil {
		c.processCtx.ComponentStarted()
		go func() {
			<-c.processCtx.WaitForShutdown()
			_ = db.Close()
			c.processCtx.ComponentFinished()
		}()
	}
	return db, writer, nil
}

// Open opens a database connection pool using the given options.
func Open(dbProperties *config.DatabaseOptions) (*sql.DB, error) {
	var err error
	var driverName, dsn string
	switch {
	case dbProperties.ConnectionString.IsSQLite():
		driverName = "sqlite3"
		if dsn, err = sqliteDSN(string(dbProperties.ConnectionString)); err != nil {
			return nil, fmt.Errorf("couldn't parse sqlite connection string: %w", err)
		}
	case dbProperties.ConnectionString.IsPostgres():
		driverName = "postgres"
		dsn = string(dbProperties.ConnectionString)
	default:
		return nil, fmt.Errorf("invalid database connection string %q", dbProperties.ConnectionString)
	}
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}
	if driverName == "sqlite3" {
		// SQLite is serialized through the ExclusiveWriter anyway, and
		// allowing more than one connection trips "database is locked".
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(dbProperties.MaxOpenConns())
		db.SetMaxIdleConns(dbProperties.MaxIdleConns())
	}
	db.SetConnMaxLifetime(time.Duration(dbProperties.ConnMaxLifetime()) * time.Second)
	return db, nil
}

// sqliteDSN rewrites a file: connection string with the pragmas we rely on,
// preserving any parameters the config already sets.
func sqliteDSN(connectionString string) (string, error) {
	uri, err := url.Parse(connectionString)
	if err != nil {
		return "", err
	}
	q := uri.Query()
	if q.Get("_busy_timeout") == "" {
		q.Set("_busy_timeout", "5000")
	}
	if q.Get("_journal_mode") == "" {
		q.Set("_journal_mode", "wal")
	}
	if q.Get("_txlock") == "" {
		q.Set("_txlock", "immediate")
	}
	path := uri.Opaque
	if path == "" {
		path = uri.Path
	}
	if path == "" {
		return "", fmt.Errorf("no filename in connection string %q", connectionString)
	}
	return "file:" + path + "?" + q.Encode(), nil
}
