package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeBundleDir(t *testing.T, root, name, version string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	manifest := `
schema_version = 1
name = "` + name + `"
version = "` + version + `"
abilities = ["run"]
min_sdk = "0.1.0"
publisher = "00112233445566778899aabbccddeeff"
sig = "` + strings.Repeat("ab", 64) + `"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, manifestName), []byte(manifest), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, payloadName), []byte(name+" payload"), 0o644))
	return dir
}

func runCmd(t *testing.T, args ...string) string {
	t.Helper()
	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	require.NoError(t, cmd.Execute(), out.String())
	return out.String()
}

func TestKeygenPackVerifyInspect(t *testing.T) {
	dir := t.TempDir()
	keyPrefix := filepath.Join(dir, "publisher")
	runCmd(t, "keygen", "--out", keyPrefix)

	coreDir := writeBundleDir(t, dir, "core", "1.2.0")
	shellDir := writeBundleDir(t, dir, "shell", "0.3.1")

	archive := filepath.Join(dir, "system.nxset")
	out := runCmd(t, "pack",
		"--key", keyPrefix+".key",
		"--out", archive,
		"--system-version", "1.2.0",
		coreDir, shellDir)
	require.Contains(t, out, "2 bundles")

	out = runCmd(t, "verify", "--pub", keyPrefix+".pub", archive)
	require.Contains(t, out, "system version: 1.2.0")
	require.Contains(t, out, "core")
	require.Contains(t, out, "shell")
	require.Contains(t, out, "ok: 2 payloads verified")

	out = runCmd(t, "inspect", archive)
	require.Contains(t, out, "UNVERIFIED")
	require.Contains(t, out, "1.2.0")
}

func TestVerifyFailsWithWrongKey(t *testing.T) {
	dir := t.TempDir()
	runCmd(t, "keygen", "--out", filepath.Join(dir, "signer"))
	runCmd(t, "keygen", "--out", filepath.Join(dir, "other"))

	coreDir := writeBundleDir(t, dir, "core", "1.0.0")
	archive := filepath.Join(dir, "system.nxset")
	runCmd(t, "pack", "--key", filepath.Join(dir, "signer.key"), "--out", archive, coreDir)

	cmd := rootCmd()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{"verify", "--pub", filepath.Join(dir, "other.pub"), archive})
	require.Error(t, cmd.Execute())
}

func TestPackRejectsBadManifest(t *testing.T) {
	dir := t.TempDir()
	runCmd(t, "keygen", "--out", filepath.Join(dir, "publisher"))

	bad := filepath.Join(dir, "bad")
	require.NoError(t, os.MkdirAll(bad, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(bad, manifestName), []byte("schema_version = 1\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(bad, payloadName), []byte("x"), 0o644))

	cmd := rootCmd()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{"pack", "--key", filepath.Join(dir, "publisher.key"), "--out", filepath.Join(dir, "out.nxset"), bad})
	require.Error(t, cmd.Execute())
}
