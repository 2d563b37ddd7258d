// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package dirsync

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")

	st, err := OpenStore(path)
	require.NoError(t, err)

	id, err := st.HostID()
	require.NoError(t, err)
	assert.Empty(t, id)

	require.NoError(t, st.SetHostID("alpha"))
	require.NoError(t, st.Put("db", "tcp://10.0.0.1:5432"))
	require.NoError(t, st.Put("web", "tcp://10.0.0.1:80"))
	require.NoError(t, st.Delete("web"))
	require.NoError(t, st.Delete("never-registered"))
	require.NoError(t, st.Close())

	st, err = OpenStore(path)
	require.NoError(t, err)
	defer st.Close()

	id, err = st.HostID()
	require.NoError(t, err)
	assert.Equal(t, "alpha", id)

	regs, err := st.Registrations()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"db": "tcp://10.0.0.1:5432"}, regs)
}

func TestOpenStoreBadPath(t *testing.T) {
	_, err := OpenStore(filepath.Join(t.TempDir(), "missing", "state.db"))
	assert.Error(t, err)
}
