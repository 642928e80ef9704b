package migration

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMigrator tracks a version number over three migrations.
type fakeMigrator struct {
	version uint
	dirty   bool
	upErr   error
	forced  int
}

func (f *fakeMigrator) Up(ctx context.Context) error {
	if f.upErr != nil {
		return f.upErr
	}
	f.version = 3
	return nil
}

func (f *fakeMigrator) Down(ctx context.Context) error {
	if f.version > 0 {
		f.version--
	}
	return nil
}

func (f *fakeMigrator) DownAll(ctx context.Context) error { f.version = 0; return nil }

func (f *fakeMigrator) Steps(ctx context.Context, n int) error {
	v := int(f.version) + n
	if v < 0 || v > 3 {
		return errors.New("file does not exist")
	}
	f.version = uint(v)
	return nil
}

func (f *fakeMigrator) Goto(ctx context.Context, version uint) error {
	f.version = version
	return nil
}

func (f *fakeMigrator) Force(ctx context.Context, version int) error {
	f.forced = version
	f.version = uint(version)
	f.dirty = false
	return nil
}

func (f *fakeMigrator) Version(ctx context.Context) (uint, bool, error) {
	return f.version, f.dirty, nil
}

func (f *fakeMigrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	names := []string{"create_relay_tasks", "create_relay_agents", "create_relay_approval_requests"}
	out := make([]MigrationStatus, 0, len(names))
	for i, n := range names {
		v := uint(i + 1)
		out = append(out, MigrationStatus{Version: v, Name: n, Applied: v <= f.version, Dirty: f.dirty && v == f.version})
	}
	return out, nil
}

func (f *fakeMigrator) Info(ctx context.Context) (*MigrationInfo, error) {
	return &MigrationInfo{
		CurrentVersion:    f.version,
		Dirty:             f.dirty,
		TotalMigrations:   3,
		AppliedMigrations: int(f.version),
		PendingMigrations: 3 - int(f.version),
	}, nil
}

func (f *fakeMigrator) Close() error { return nil }

func runCLI(t *testing.T, m Migrator, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	cli := NewCLI(m)
	cli.SetOutput(&buf)
	err := cli.Run(context.Background(), args)
	return buf.String(), err
}

func TestCLI_Run(t *testing.T) {
	m := &fakeMigrator{}

	out, err := runCLI(t, m, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "No migrations applied yet.")

	out, err = runCLI(t, m, "up")
	require.NoError(t, err)
	assert.Contains(t, out, "Migrations complete. Current version: 3")

	out, err = runCLI(t, m, "down")
	require.NoError(t, err)
	assert.Contains(t, out, "Rollback complete. Current version: 2")

	out, err = runCLI(t, m, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "000001  create_relay_tasks")
	assert.Contains(t, out, "Applied")
	assert.Contains(t, out, "Pending")
	assert.Contains(t, out, "Total: 3, Applied: 2, Pending: 1")

	out, err = runCLI(t, m, "steps", "-2")
	require.NoError(t, err)
	assert.Contains(t, out, "Rolling back 2 migration(s)")
	assert.Equal(t, uint(0), m.version)

	out, err = runCLI(t, m, "goto", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "Current version: 2")

	out, err = runCLI(t, m, "info")
	require.NoError(t, err)
	assert.Contains(t, out, "Pending Migrations: 1")

	_, err = runCLI(t, m, "reset")
	require.NoError(t, err)
	assert.Equal(t, uint(0), m.version)
}

func TestCLI_DirtyState(t *testing.T) {
	m := &fakeMigrator{version: 2, dirty: true}

	out, err := runCLI(t, m, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Current version: 2 (dirty)")

	out, err = runCLI(t, m, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Dirty")

	out, err = runCLI(t, m, "force", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "Version forced to 1")
	assert.Equal(t, 1, m.forced)
	assert.False(t, m.dirty)
}

func TestCLI_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"no subcommand", nil},
		{"unknown subcommand", []string{"sideways"}},
		{"steps without n", []string{"steps"}},
		{"steps not a number", []string{"steps", "two"}},
		{"goto negative", []string{"goto", "-1"}},
		{"force extra args", []string{"force", "1", "2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runCLI(t, &fakeMigrator{}, tt.args...)
			assert.Error(t, err)
		})
	}

	_, err := runCLI(t, &fakeMigrator{upErr: errors.New("lock timeout")}, "up")
	assert.ErrorContains(t, err, "lock timeout")
}
