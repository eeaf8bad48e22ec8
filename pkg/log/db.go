// Copyright 2023-2026 The strec Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; version 2.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package log

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

const dbAPIversion = "1"

const defaultMaxKeys = 100000

// NewDB new log database. Oldest entries are pruned when the database
// file grows past minDiskSpace bytes, zero disables the size budget.
func NewDB(dbPath string, wg *sync.WaitGroup, minDiskSpace uint64) *DB {
	return &DB{
		dbPath:       dbPath,
		maxKeys:      defaultMaxKeys,
		minDiskSpace: minDiskSpace,

		wg:     wg,
		saveWG: &sync.WaitGroup{},
	}
}

// DB log database.
type DB struct {
	dbPath       string
	maxKeys      int
	minDiskSpace uint64

	db *bolt.DB
	wg *sync.WaitGroup

	// Wait for last entry to be saved before closing db.
	saveWG *sync.WaitGroup
}

// Init initialize database.
func (logDB *DB) Init(ctx context.Context) error {
	dbOpts := &bolt.Options{
		Timeout: 1 * time.Second,
	}

	db, err := bolt.Open(logDB.dbPath, 0o600, dbOpts)
	if err != nil {
		return fmt.Errorf("could not open database: %w: %v", err, logDB.dbPath)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(dbAPIversion))
		return err
	})
	if err != nil {
		db.Close()
		return fmt.Errorf("could not create bucket: %v, %w", dbAPIversion, err)
	}

	logDB.db = db

	logDB.wg.Add(1)
	go func() {
		<-ctx.Done()
		logDB.saveWG.Wait()
		db.Close()
		logDB.wg.Done()
	}()

	return nil
}

// SaveLogs saves entries from the logger into the database.
func (logDB *DB) SaveLogs(ctx context.Context, l *Logger) {
	feed, cancel := l.Subscribe()
	defer cancel()

	logDB.saveWG.Add(1)
	for {
		select {
		case <-ctx.Done():
			logDB.saveWG.Done()
			return
		case entry := <-feed:
			if err := logDB.saveEntry(entry); err != nil {
				fmt.Fprintf(os.Stderr, "could not save log: %v %v", entry.Msg, err)
				l.Error().Src("app").Msgf("could not save log: '%v' %v", entry.Msg, err)
			}
		}
	}
}

func (logDB *DB) saveEntry(entry Entry) error {
	key := encodeKey(uint64(entry.Time))
	value := encodeValue(entry)

	return logDB.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(dbAPIversion))

		overBudget := logDB.minDiskSpace > 0 && uint64(tx.Size()) > logDB.minDiskSpace
		if b.Stats().KeyN >= logDB.maxKeys || overBudget {
			if err := deleteFirstKey(b); err != nil {
				return fmt.Errorf("could not delete first key: %w", err)
			}
		}
		return b.Put(key, value)
	})
}

func deleteFirstKey(b *bolt.Bucket) error {
	k, _ := b.Cursor().First()
	return b.Delete(k)
}

// Query database query.
type Query struct {
	Levels   []Level
	Time     UnixMillisecond
	Sources  []string
	Sessions []string
	Limit    int
}

// Query logs in database.
func (logDB *DB) Query(q Query) (*[]Entry, error) {
	var entries []Entry

	err := logDB.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(dbAPIversion))
		c := b.Cursor()

		var entry Entry
		filterEntry := func(rawEntry []byte) error {
			if err := json.Unmarshal(rawEntry, &entry); err != nil {
				return fmt.Errorf("could not unmarshal entry: %w", err)
			}

			if !levelInLevels(entry.Level, q.Levels) {
				return nil
			}
			if !stringInStrings(entry.Src, q.Sources) {
				return nil
			}
			if !stringInStrings(entry.Session, q.Sessions) {
				return nil
			}

			entries = append(entries, entry)
			return nil
		}

		if q.Time == 0 {
			_, value := c.Last()
			if value != nil {
				if err := filterEntry(value); err != nil {
					return err
				}
			}
		} else {
			c.Seek(encodeKey(uint64(q.Time)))
		}

		limit := q.Limit
		if limit == 0 {
			limit = defaultMaxKeys
		}

		for len(entries) < limit {
			key, value := c.Prev()
			if key == nil {
				return nil
			}
			if err := filterEntry(value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &entries, nil
}

func levelInLevels(level Level, levels []Level) bool {
	if levels == nil {
		return true
	}
	for _, l := range levels {
		if l == level {
			return true
		}
	}
	return false
}

func stringInStrings(source string, sources []string) bool {
	if sources == nil {
		return true
	}
	for _, src := range sources {
		if src == source {
			return true
		}
	}
	return false
}

func encodeKey(key uint64) []byte {
	output := make([]byte, 8)
	binary.BigEndian.PutUint64(output, key)
	return output
}

func encodeValue(entry Entry) []byte {
	value, _ := json.Marshal(entry)
	return value
}
