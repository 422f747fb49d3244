// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandTree(t *testing.T) {
	root := newRootCommand()

	for _, path := range [][]string{
		{"backfill", "fingerprints"},
		{"credit", "override"},
		{"hunt", "create"},
		{"queue", "stats"},
		{"queue", "sweep"},
	} {
		cmd, rest, err := root.Find(path)
		require.NoError(t, err, path)
		assert.Empty(t, rest)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}

func TestBackfillFlagDefaults(t *testing.T) {
	cmd, _, err := newRootCommand().Find([]string{"backfill", "fingerprints"})
	require.NoError(t, err)

	pageSize, err := cmd.Flags().GetInt("page-size")
	require.NoError(t, err)
	assert.Equal(t, 500, pageSize)

	dryRun, err := cmd.Flags().GetBool("dry-run")
	require.NoError(t, err)
	assert.False(t, dryRun)
}

func TestCreditOverrideRequiresFlags(t *testing.T) {
	cmd, _, err := newRootCommand().Find([]string{"credit", "override"})
	require.NoError(t, err)

	for _, name := range []string{"tenant", "customer", "status"} {
		f := cmd.Flags().Lookup(name)
		require.NotNil(t, f, name)
		assert.Equal(t, []string{"true"}, f.Annotations[cobra.BashCompOneRequiredFlag], name)
	}
}
