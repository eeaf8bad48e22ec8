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
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "logs.db")

	logDB := NewDB(dbPath, &sync.WaitGroup{}, 0)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, logDB.Init(ctx))

	return logDB
}

func TestQuery(t *testing.T) {
	msg1 := Entry{
		Level:   LevelError,
		Time:    4000,
		Src:     "s1",
		Session: "c1",
		Msg:     "msg1",
	}
	msg2 := Entry{
		Level: LevelWarning,
		Time:  3000,
		Src:   "s1",
		Msg:   "msg2",
	}
	msg3 := Entry{
		Level:   LevelInfo,
		Time:    2000,
		Src:     "s2",
		Session: "c2",
		Msg:     "msg3",
	}

	logDB := newTestDB(t)

	require.NoError(t, logDB.saveEntry(msg1))
	require.NoError(t, logDB.saveEntry(msg2))
	require.NoError(t, logDB.saveEntry(msg3))

	cases := []struct {
		name     string
		input    Query
		expected []Entry
	}{
		{
			name: "singleLevel",
			input: Query{
				Levels:  []Level{LevelWarning},
				Sources: []string{"s1"},
			},
			expected: []Entry{msg2},
		},
		{
			name: "multipleLevels",
			input: Query{
				Levels:  []Level{LevelError, LevelWarning},
				Sources: []string{"s1"},
			},
			expected: []Entry{msg1, msg2},
		},
		{
			name: "bySession",
			input: Query{
				Sessions: []string{"c2"},
			},
			expected: []Entry{msg3},
		},
		{
			name: "beforeTime",
			input: Query{
				Time: 3000,
			},
			expected: []Entry{msg3},
		},
		{
			name: "limit",
			input: Query{
				Limit: 1,
			},
			expected: []Entry{msg1},
		},
		{
			name:     "all",
			input:    Query{},
			expected: []Entry{msg1, msg2, msg3},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			entries, err := logDB.Query(tc.input)
			require.NoError(t, err)
			require.Equal(t, tc.expected, *entries)
		})
	}
}

func TestMinDiskSpace(t *testing.T) {
	logDB := newTestDB(t)

	// A fresh bbolt file already exceeds one byte, so every save past
	// the first prunes the oldest entry.
	logDB.minDiskSpace = 1

	require.NoError(t, logDB.saveEntry(Entry{Time: 1, Msg: "a"}))
	require.NoError(t, logDB.saveEntry(Entry{Time: 2, Msg: "b"}))
	require.NoError(t, logDB.saveEntry(Entry{Time: 3, Msg: "c"}))

	err := logDB.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(dbAPIversion))
		require.Equal(t, 1, b.Stats().KeyN)

		k, _ := b.Cursor().First()
		require.Equal(t, encodeKey(3), k)
		return nil
	})
	require.NoError(t, err)
}

func TestMaxKeys(t *testing.T) {
	logDB := newTestDB(t)
	logDB.maxKeys = 2

	require.NoError(t, logDB.saveEntry(Entry{Time: 1, Msg: "a"}))
	require.NoError(t, logDB.saveEntry(Entry{Time: 2, Msg: "b"}))
	require.NoError(t, logDB.saveEntry(Entry{Time: 3, Msg: "c"}))

	err := logDB.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(dbAPIversion))
		require.Equal(t, 2, b.Stats().KeyN)

		k, _ := b.Cursor().First()
		require.Equal(t, encodeKey(2), k)
		return nil
	})
	require.NoError(t, err)
}
