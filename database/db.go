/*
Copyright 2024 Logipool Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package database

import (
	"context"
	"database/sql"
	"strings"
	"sync"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// The connection is opened once per process; a failed first attempt is
// remembered so later callers see the same error instead of a nil store.
var (
	instance    *Datasource
	instanceErr error
	once        sync.Once
)

// Datasource is the Postgres-backed IDataSource. Tables live in the logipool
// schema and are created by the migrate command.
type Datasource struct {
	Conn *sql.DB
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// NewDataSource returns the Postgres store, or the in-memory store when the
// DNS is "memory://" (local runs and tests).
func NewDataSource(dns string) (IDataSource, error) {
	if strings.HasPrefix(dns, "memory://") {
		return NewMemoryDataSource(), nil
	}
	con, err := GetDBConnection(dns)
	if err != nil {
		return nil, err
	}
	return con, nil
}

// GetDBConnection provides a global access point to the instance and initializes it if it's not already.
func GetDBConnection(dns string) (*Datasource, error) {
	once.Do(func() {
		con, err := ConnectDB(dns)
		if err != nil {
			instanceErr = err
			return
		}
		instance = &Datasource{Conn: con}
	})
	if instanceErr != nil {
		return nil, instanceErr
	}
	return instance, nil
}

func ConnectDB(dns string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dns)
	if err != nil {
		return nil, err
	}
	err = db.Ping()
	if err != nil {
		logrus.WithError(err).Error("database connection failed")
		return nil, err
	}
	return db, nil
}
