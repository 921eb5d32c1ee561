package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"erpsync/internal/app"
	"erpsync/internal/service/syncer"
	"erpsync/internal/shared"
)

func TestCommands_Registered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "migrate", "sync", "replay", "version"} {
		assert.True(t, names[want], "command %q is not registered", want)
	}

	sub := map[string]bool{}
	for _, c := range syncCmd.Commands() {
		sub[c.Name()] = true
	}
	assert.True(t, sub["product"])
	assert.True(t, sub["sales-document"])
	assert.True(t, sub["delete-product"])
}

func TestSyncProductCmd_ArgsValidation(t *testing.T) {
	assert.Error(t, syncProductCmd.Args(syncProductCmd, []string{}))
	assert.Error(t, syncProductCmd.Args(syncProductCmd, []string{"a", "b"}))
	assert.NoError(t, syncProductCmd.Args(syncProductCmd, []string{"a"}))
	assert.Error(t, serveCmd.Args(serveCmd, []string{"extra"}))
}

func TestReplayCmd_DefaultLimit(t *testing.T) {
	f := replayCmd.Flags().Lookup("limit")
	require.NotNil(t, f)
	assert.Equal(t, "50", f.DefValue)
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payload.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestReadJSON(t *testing.T) {
	path := writeFile(t, `{"id":"c1","name":"Widget","price":9.5,"active":true}`)
	p, err := readJSON[syncer.CRMProduct](path)
	require.NoError(t, err)
	assert.Equal(t, "c1", p.ID)
	assert.Equal(t, 9.5, p.Price)
}

func TestReadJSON_Errors(t *testing.T) {
	_, err := readJSON[syncer.CRMProduct](filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = readJSON[syncer.CRMProduct](writeFile(t, `{"id":`))
	assert.ErrorIs(t, err, shared.ErrValidation)

	_, err = readJSON[syncer.CRMProduct](writeFile(t, `{"id":"c1","colour":"red"}`))
	assert.ErrorIs(t, err, shared.ErrValidation)
	assert.Contains(t, err.Error(), "colour")
}

func TestSyncProductCmd_BadFileFailsBeforeConfig(t *testing.T) {
	err := syncProductCmd.RunE(syncProductCmd, []string{writeFile(t, "[]")})
	assert.ErrorIs(t, err, shared.ErrValidation)
}

func TestVersionCmd(t *testing.T) {
	var out bytes.Buffer
	versionCmd.SetOut(&out)
	defer versionCmd.SetOut(nil)

	versionCmd.Run(versionCmd, nil)
	assert.True(t, strings.HasPrefix(out.String(), "erpsync dev (unknown)"))
}

func TestPrintMigration(t *testing.T) {
	var out bytes.Buffer
	migrateCmd.SetOut(&out)
	defer migrateCmd.SetOut(nil)

	printMigration(migrateCmd, app.MigrationResult{Driver: "sqlite", Applied: true, From: 0, To: 1})
	printMigration(migrateCmd, app.MigrationResult{Driver: "postgres", To: 1})

	assert.Equal(t, "sqlite: migrated from version 0 to 1\npostgres: schema is up to date (version 1)\n", out.String())
}
