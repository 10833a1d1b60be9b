package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func runKvs(t *testing.T, dir string, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(append([]string{"-dir", dir}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestSetGetRemove(t *testing.T) {
	dir := t.TempDir()

	code, _, stderr := runKvs(t, dir, "set", "key", "value")
	require.Equal(t, 0, code, stderr)

	code, stdout, _ := runKvs(t, dir, "get", "key")
	require.Equal(t, 0, code)
	require.Equal(t, "value\n", stdout)

	code, _, _ = runKvs(t, dir, "rm", "key")
	require.Equal(t, 0, code)

	code, stdout, _ = runKvs(t, dir, "get", "key")
	require.Equal(t, 0, code)
	require.Equal(t, "Key not found\n", stdout)

	code, stdout, _ = runKvs(t, dir, "rm", "key")
	require.Equal(t, 1, code)
	require.Equal(t, "Key not found\n", stdout)
}

func TestCompactAndStats(t *testing.T) {
	dir := t.TempDir()
	for _, value := range []string{"one", "two", "three"} {
		code, _, stderr := runKvs(t, dir, "set", "key", value)
		require.Equal(t, 0, code, stderr)
	}

	code, _, stderr := runKvs(t, dir, "compact")
	require.Equal(t, 0, code, stderr)

	code, stdout, _ := runKvs(t, dir, "stats")
	require.Equal(t, 0, code)
	require.Contains(t, stdout, "keys 1\n")
	require.Contains(t, stdout, "stale_bytes 0\n")
}

func TestUsage(t *testing.T) {
	dir := t.TempDir()

	code, _, stderr := runKvs(t, dir)
	require.Equal(t, 2, code)
	require.Contains(t, stderr, "usage")

	code, _, _ = runKvs(t, dir, "set", "only-key")
	require.Equal(t, 2, code)
}
