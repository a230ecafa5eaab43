package metrics

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WulfForge/Cursor-FailSafe-sub000/internal/domain"
)

func TestFileMirror_MissingFileIsEmpty(t *testing.T) {
	m := NewFileMirror(filepath.Join(t.TempDir(), "absent.json"))
	days, err := m.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, days)
}

func TestFileMirror_CorruptFileIsError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"2025-01-01": [`), 0o644))

	_, err := NewFileMirror(path).Load(context.Background())
	assert.Error(t, err)
}

func TestFileMirror_SaveReplacesDocument(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "metrics.json")
	m := NewFileMirror(path)

	require.NoError(t, m.Save(context.Background(), map[string]domain.DailyMetrics{
		"2025-03-09": {Date: "2025-03-09", Requests: 1},
		"2025-03-10": {Date: "2025-03-10", Requests: 2, Validations: 3},
	}))
	require.NoError(t, m.Save(context.Background(), map[string]domain.DailyMetrics{
		"2025-03-10": {Date: "2025-03-10", Requests: 5},
	}))

	days, err := m.Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, days, 1)
	assert.EqualValues(t, 5, days["2025-03-10"].Requests)

	// временные файлы не остаются
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "metrics.json", entries[0].Name())
}

func TestFileMirror_DateTakenFromKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"2025-03-10": {"requests": 4}}`), 0o644))

	days, err := NewFileMirror(path).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2025-03-10", days["2025-03-10"].Date)
	assert.EqualValues(t, 4, days["2025-03-10"].Requests)
}
