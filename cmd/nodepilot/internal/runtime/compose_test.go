// Copyright (C) 2025 Nodepilot Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package runtime

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodepilot/nodepilot/cmd/nodepilot/internal/infra/process"
	"github.com/nodepilot/nodepilot/pkg/logging"
)

func composeDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ComposeFileName), []byte("services: {}\n"), 0o640))
	return dir
}

func TestComposeUp(t *testing.T) {
	dir := composeDir(t)
	mock := &process.MockManager{
		RunInDirFunc: func(ctx context.Context, d, name string, args ...string) (*process.Result, error) {
			return &process.Result{}, nil
		},
	}
	c := NewComposeRunner(mock, logging.NewTestLogger())

	require.NoError(t, c.Up(context.Background(), dir))

	calls := mock.GetCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "docker", calls[0].Name)
	assert.Equal(t, []string{"compose", "up", "-d"}, calls[0].Args)
	assert.Equal(t, dir, calls[0].Dir)
}

func TestComposeUpWrapsStartupFailure(t *testing.T) {
	dir := composeDir(t)
	mock := &process.MockManager{
		RunInDirFunc: func(ctx context.Context, d, name string, args ...string) (*process.Result, error) {
			return &process.Result{ExitCode: 1}, assert.AnError
		},
	}
	c := NewComposeRunner(mock, logging.NewTestLogger())

	err := c.Up(context.Background(), dir)
	assert.ErrorIs(t, err, ErrStartup)
}

func TestComposeMissingFile(t *testing.T) {
	mock := &process.MockManager{}
	c := NewComposeRunner(mock, logging.NewTestLogger())

	// No compose.yaml in the directory: fail before shelling out
	err := c.Up(context.Background(), t.TempDir())
	require.Error(t, err)
	assert.Empty(t, mock.GetCalls())
}

func TestComposeLogsFollowArgs(t *testing.T) {
	dir := composeDir(t)
	mock := &process.MockManager{
		RunStreamingFunc: func(ctx context.Context, d string, stdout, stderr io.Writer, name string, args ...string) error {
			return nil
		},
	}
	c := NewComposeRunner(mock, logging.NewTestLogger())

	require.NoError(t, c.Logs(context.Background(), dir, true, "100", io.Discard, io.Discard))

	calls := mock.GetCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"compose", "logs", "--follow", "--tail", "100"}, calls[0].Args)
}

func TestComposeStopAndPull(t *testing.T) {
	dir := composeDir(t)
	mock := &process.MockManager{
		RunInDirFunc: func(ctx context.Context, d, name string, args ...string) (*process.Result, error) {
			return &process.Result{}, nil
		},
	}
	c := NewComposeRunner(mock, logging.NewTestLogger())

	require.NoError(t, c.Stop(context.Background(), dir))
	require.NoError(t, c.Pull(context.Background(), dir))

	calls := mock.GetCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, []string{"compose", "stop"}, calls[0].Args)
	assert.Equal(t, []string{"compose", "pull"}, calls[1].Args)
}
