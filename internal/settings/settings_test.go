package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadV1MigratesKeyNames(t *testing.T) {
	dir := t.TempDir()
	input := map[string]any{
		"left_bump":        180,
		"bump_100_percent": true,
	}
	data, err := json.Marshal(input)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), data, 0o644))

	s := New(dir, nil)
	require.NoError(t, s.Load())

	assert.Equal(t, 180, s.Slots[0].TriggerLeft.Bump)
	assert.True(t, s.Global.TriggerBump100Percent)
	assert.True(t, s.Slots[0].TriggerLeft.Bump100Percent)
}

func TestSaveAlwaysWritesV3(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil)
	require.NoError(t, s.Save())

	raw, err := os.ReadFile(filepath.Join(dir, FileName))
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, float64(3), doc["version"])
	assert.NotContains(t, string(raw), "\"bump_100_percent\":") // old key name gone

	_, hasLeftBump := doc["left_bump"]
	assert.False(t, hasLeftBump)
}

func TestMigrationIdempotence(t *testing.T) {
	dir := t.TempDir()
	input := map[string]any{"left_base": 10, "left_bump": 180, "left_max": 250}
	data, err := json.Marshal(input)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), data, 0o644))

	s1 := New(dir, nil)
	require.NoError(t, s1.Load())
	require.NoError(t, s1.Save())

	s2 := New(dir, nil)
	require.NoError(t, s2.Load())

	assert.Equal(t, s1.Slots[0].TriggerLeft, s2.Slots[0].TriggerLeft)
}

func TestSettingsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil)
	s.Global.AutoConnect = true
	s.Global.EmulationMode = EmulationDSU
	s.Global.KnownBLEDevices["AA:BB:CC:DD:EE:FF"] = defaultSlotCalibration()

	require.NoError(t, s.Save())

	s2 := New(dir, nil)
	require.NoError(t, s2.Load())

	assert.Equal(t, s.Global.AutoConnect, s2.Global.AutoConnect)
	assert.Equal(t, s.Global.EmulationMode, s2.Global.EmulationMode)
	assert.Contains(t, s2.Global.KnownBLEDevices, "AA:BB:CC:DD:EE:FF")
}

func TestLoadV2FoldsPreferredBLEAddressIntoGlobalRegistry(t *testing.T) {
	dir := t.TempDir()
	doc := map[string]any{
		"version": 2,
		"global":  map[string]any{},
		"slots": map[string]any{
			"0": map[string]any{
				"preferred_ble_address": "aa:bb:cc:dd:ee:ff",
			},
		},
	}
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), data, 0o644))

	s := New(dir, nil)
	require.NoError(t, s.Load())

	assert.Contains(t, s.Global.KnownBLEDevices, "AA:BB:CC:DD:EE:FF")
}

func TestLoadMissingFileKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil)
	require.NoError(t, s.Load())
	assert.Equal(t, defaultSlotCalibration(), s.Slots[0])
}
