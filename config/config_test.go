// Copyright 2024 The nixvm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseSetsRequestedFlags(t *testing.T) {
	s := New("nixvm")
	err := s.Parse([]string{"--nocache", "--testpage"})
	require.NoError(t, err)

	require.True(t, s.Flags.NoCache)
	require.True(t, s.Flags.TestPage)
	require.False(t, s.Flags.NoLater)
	require.False(t, s.Flags.JoinPages)
	require.False(t, s.Flags.NoColors)
	require.False(t, s.Flags.NoPageShare)
}

func TestParseDefaultsToAllDisabled(t *testing.T) {
	s := New("nixvm")
	require.NoError(t, s.Parse(nil))
	require.Equal(t, Flags{}, s.Flags)
}
