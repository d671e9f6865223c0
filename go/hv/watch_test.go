package hv

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hvcorn/hvcorn/go/models"
)

func TestPresetWatcherQueuesReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hvcorn.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: 1.0.0\n"), 0o644))

	w, err := NewPresetWatcher(path, zerolog.Nop())
	require.NoError(t, err)
	defer w.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	_, ok := w.take()
	assert.False(t, ok)

	doc := "version: 1.0.0\ntracers:\n  - {name: aic, start: 0x23b100000, size: 0x4000, mode: sync}\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	var presets []models.TracerPreset
	require.Eventually(t, func() bool {
		presets, ok = w.take()
		return ok && len(presets) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "aic", presets[0].Name)
	assert.Equal(t, models.TraceSync, presets[0].Mode)
}
