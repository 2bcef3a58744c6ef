/*
Copyright 2024 Blnk Finance Authors.

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
	"database/sql/driver"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"

	"github.com/blnkfinance/prospekt/config"
)

var (
	// ErrNotFound is returned when no row matches.
	ErrNotFound = errors.New("prospect not found")
	// ErrDuplicate is returned when a row with the same id already exists.
	ErrDuplicate = errors.New("prospect already exists")
	// ErrNotLive is returned when an update targets a merged prospect.
	ErrNotLive = errors.New("prospect is merged and cannot be updated")
	// ErrTransient wraps failures that may succeed on retry.
	ErrTransient = errors.New("transient storage failure")
	// ErrScheduleNotFound is returned when no schedule matches.
	ErrScheduleNotFound = errors.New("schedule not found")
)

// Ensure the instance is not accessible outside the package.
var instance *Datasource
var once sync.Once

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

type Datasource struct {
	Conn *sql.DB
}

// NewDataSource returns the Postgres store when a data source is configured and
// an in-memory store otherwise.
func NewDataSource(configuration *config.Configuration) (IDataSource, error) {
	if configuration.DataSource.Dns == "" {
		return NewMemoryStore(), nil
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
	if instance == nil {
		return nil, errors.New("database connection was not initialised")
	}
	return instance, nil
}

// ConnectDB opens a pooled postgres connection. The schema is managed by the
// migrate command.
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
	log.Println("Database connection established ✅")
	return db, nil
}

// classify maps driver errors onto the package sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if pqErr.Code == "23505" {
			return fmt.Errorf("%w: %v", ErrDuplicate, err)
		}
		switch pqErr.Code {
		case "40001", "40P01", "57P01", "55P03":
			return fmt.Errorf("%w: %v", ErrTransient, err)
		}
		switch pqErr.Code.Class() {
		case "08", "53":
			return fmt.Errorf("%w: %v", ErrTransient, err)
		}
	}
	return err
}
