package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fwaytoday/iot-dc3/pointvalue"
)

const cliMetadata = `
profiles:
  panel:
    points:
      level: {name: Level, type: int}
devices:
  d1:
    name: Panel 1
    status: online
    profiles: [panel]
    points:
      level: {value: "7"}
`

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	mdPath := filepath.Join(dir, "metadata.yaml")
	require.NoError(t, os.WriteFile(mdPath, []byte(cliMetadata), 0o600))
	cfgPath := filepath.Join(dir, "config.yaml")
	cfg := fmt.Sprintf("driver: {name: virtual}\nmetadata: {file: %q}\nstorage: {path: %q}\n",
		mdPath, filepath.Join(dir, "values.db"))
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o600))
	return cfgPath
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestCheck(t *testing.T) {
	cfg := writeConfig(t)
	out, err := execute(t, "check", "--config", cfg)
	require.NoError(t, err)
	require.Contains(t, out, "Driver: virtual")
	require.Contains(t, out, "d1 (Panel 1) status=online pollable=1")
}

func TestCheckMissingConfig(t *testing.T) {
	_, err := execute(t, "check", "--config", filepath.Join(t.TempDir(), "absent.yaml"))
	require.ErrorContains(t, err, "configuration invalid")
}

func TestWrite(t *testing.T) {
	cfg := writeConfig(t)
	out, err := execute(t, "write", "-c", cfg, "d1", "level", "9")
	require.NoError(t, err)
	require.Equal(t, "wrote 9 to d1/level\n", out)

	_, err = execute(t, "write", "-c", cfg, "d1", "missing", "9")
	require.Error(t, err)
}

func TestListEmptyStore(t *testing.T) {
	cfg := writeConfig(t)
	out, err := execute(t, "list", "-c", cfg, "--device", "d1")
	require.NoError(t, err)

	var page pointvalue.Page
	require.NoError(t, json.Unmarshal([]byte(out), &page))
	require.Equal(t, int64(1), page.Current)
	require.Equal(t, int64(20), page.Size)
	require.Zero(t, page.Total)
}

func TestListRejectsBadTime(t *testing.T) {
	cfg := writeConfig(t)
	_, err := execute(t, "list", "-c", cfg, "--start", "yesterday")
	require.ErrorContains(t, err, "--start")
}
