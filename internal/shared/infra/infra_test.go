package infra

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"app-builder/internal/config"
	"app-builder/internal/sandbox"
	"app-builder/internal/shared/model"
)

func TestNewStore_SQLiteFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "app.db")

	store, err := NewStore("sqlite", "file:"+path+"?cache=shared&mode=rwc", "")
	require.NoError(t, err)
	defer store.Close()

	_, err = os.Stat(filepath.Dir(path))
	require.NoError(t, err)

	ctx := context.Background()
	created, err := store.CreateProjectWithSandbox(ctx, model.CreateProjectWithSandboxInput{
		Title: "A", Description: "B", SandboxExternalID: "sb-1",
	})
	require.NoError(t, err)
	p, err := store.GetProject(ctx, created.ProjectID)
	require.NoError(t, err)
	assert.Equal(t, "A", p.Title)
}

func TestNewStore_UnsupportedDriver(t *testing.T) {
	_, err := NewStore("oracle", "", "")
	assert.ErrorContains(t, err, "unsupported database driver")
}

func TestEnsureSQLiteDir_Memory(t *testing.T) {
	assert.NoError(t, ensureSQLiteDir(":memory:"))
	assert.NoError(t, ensureSQLiteDir(""))
}

func TestNewSandbox_Remote(t *testing.T) {
	c, err := NewSandbox(context.Background(), config.SandboxConfig{Provider: "remote", RemoteURL: "http://sandbox.test"})
	require.NoError(t, err)
	assert.IsType(t, &sandbox.HTTPClient{}, c)

	_, err = NewSandbox(context.Background(), config.SandboxConfig{Provider: "remote"})
	assert.ErrorContains(t, err, "remote_url")

	_, err = NewSandbox(context.Background(), config.SandboxConfig{Provider: "vm"})
	assert.ErrorContains(t, err, "unsupported sandbox provider")
}

func TestClose_ReverseOrder(t *testing.T) {
	var order []int
	i := &Infrastructure{closers: []func() error{
		func() error { order = append(order, 1); return nil },
		func() error { order = append(order, 2); return nil },
	}}
	require.NoError(t, i.Close())
	assert.Equal(t, []int{2, 1}, order)
	assert.NoError(t, i.Close())
}
