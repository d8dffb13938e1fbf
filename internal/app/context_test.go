package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"herdline/internal/domain"
	"herdline/internal/engine"
)

func TestOpenWorkspace(t *testing.T) {
	dir := t.TempDir()
	ws, err := Open(context.Background(), dir, nil)
	require.NoError(t, err)
	defer ws.Close()

	assert.Equal(t, 30, ws.Config.Animal(domain.Cow).CheckPeriodDays)
	_, err = os.Stat(filepath.Join(dir, ".herdline", "herdline.db"))
	require.NoError(t, err)

	p, err := ws.Engine.CreateProject(context.Background(), engine.CreateProjectOptions{
		OwnerID: "u1", Name: "Daisy", AnimalKind: domain.Goat, WeightKg: 9,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.TierT100, p.FeedTier)
}

func TestOpenRejectsBadConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "herdline.yml"), []byte("photos:\n  backend: ftp\n"), 0o644))
	_, err := Open(context.Background(), dir, nil)
	assert.Error(t, err)
}
