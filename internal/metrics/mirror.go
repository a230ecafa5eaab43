package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/WulfForge/Cursor-FailSafe-sub000/internal/domain"
)

// Mirror определяет, куда физически сохраняются суточные счётчики.
// Save всегда получает полный снимок: чего нет в снимке, того нет и в зеркале.
type Mirror interface {
	Load(ctx context.Context) (map[string]domain.DailyMetrics, error)
	Save(ctx context.Context, days map[string]domain.DailyMetrics) error
}

// FileMirror - JSON-документ {"YYYY-MM-DD": DailyMetrics}.
type FileMirror struct {
	path string
}

func NewFileMirror(path string) *FileMirror {
	return &FileMirror{path: path}
}

func (m *FileMirror) Path() string {
	return m.path
}

// Load: отсутствующий файл - пустое состояние, битый - ошибка.
func (m *FileMirror) Load(context.Context) (map[string]domain.DailyMetrics, error) {
	raw, err := os.ReadFile(m.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]domain.DailyMetrics{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("metrics: read %s: %w", m.path, err)
	}

	days := make(map[string]domain.DailyMetrics)
	if err := json.Unmarshal(raw, &days); err != nil {
		return nil, fmt.Errorf("metrics: decode %s: %w", m.path, err)
	}
	for date, d := range days {
		d.Date = date
		days[date] = d
	}
	return days, nil
}

// Save пишет во временный файл рядом и переименовывает: читатель никогда не видит половину документа.
func (m *FileMirror) Save(_ context.Context, days map[string]domain.DailyMetrics) error {
	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("metrics: mkdir %s: %w", dir, err)
	}

	raw, err := json.MarshalIndent(days, "", "  ")
	if err != nil {
		return fmt.Errorf("metrics: encode: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".metrics-*.tmp")
	if err != nil {
		return fmt.Errorf("metrics: create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // после успешного Rename - no-op

	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("metrics: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("metrics: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("metrics: close temp: %w", err)
	}
	if err := os.Rename(tmpName, m.path); err != nil {
		return fmt.Errorf("metrics: rename: %w", err)
	}
	return nil
}
