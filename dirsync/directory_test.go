// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package dirsync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirectoryUpsertDelete(t *testing.T) {
	d := NewDirectory()
	e := Entry{Host: "a", Service: "db", Address: "tcp://10.0.0.1:5432"}

	assert.True(t, d.Upsert(e))
	assert.False(t, d.Upsert(e))

	moved := e
	moved.Address = "tcp://10.0.0.9:5432"
	assert.True(t, d.Upsert(moved))

	got, ok := d.Get("a", "db")
	require.True(t, ok)
	assert.Equal(t, moved, got)
	assert.Equal(t, 1, d.Len())

	assert.True(t, d.Delete("a", "db"))
	assert.False(t, d.Delete("a", "db"))
	_, ok = d.Get("a", "db")
	assert.False(t, ok)
}

func TestDirectoryOrdering(t *testing.T) {
	d := NewDirectory()
	d.Upsert(Entry{Host: "b", Service: "web", Address: "1"})
	d.Upsert(Entry{Host: "a", Service: "web", Address: "2"})
	d.Upsert(Entry{Host: "a", Service: "db", Address: "3"})
	d.Upsert(Entry{Host: "c", Service: "db", Address: "4"})

	assert.Equal(t, []Entry{
		{Host: "a", Service: "db", Address: "3"},
		{Host: "a", Service: "web", Address: "2"},
		{Host: "b", Service: "web", Address: "1"},
		{Host: "c", Service: "db", Address: "4"},
	}, d.Entries())

	assert.Equal(t, []Entry{
		{Host: "a", Service: "db", Address: "3"},
		{Host: "c", Service: "db", Address: "4"},
	}, d.Lookup("db"))

	assert.Equal(t, []Entry{{Host: "b", Service: "web", Address: "1"}}, d.Host("b"))
	assert.Empty(t, d.Host("zz"))
	assert.Empty(t, d.Lookup("cache"))
}

func TestDirectoryReplaceHost(t *testing.T) {
	d := NewDirectory()
	d.Upsert(Entry{Host: "a", Service: "old", Address: "x"})
	d.Upsert(Entry{Host: "a", Service: "db", Address: "x"})
	d.Upsert(Entry{Host: "b", Service: "db", Address: "y"})

	d.ReplaceHost("a", []Entry{
		{Host: "a", Service: "db", Address: "z"},
		{Host: "b", Service: "db", Address: "ignored"},
	})

	assert.Equal(t, []Entry{
		{Host: "a", Service: "db", Address: "z"},
		{Host: "b", Service: "db", Address: "y"},
	}, d.Entries())

	d.ReplaceHost("a", nil)
	assert.Equal(t, []Entry{{Host: "b", Service: "db", Address: "y"}}, d.Entries())
}
