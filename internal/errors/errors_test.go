package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLocalErrorsWrapAndClassify(t *testing.T) {
	base := New("boom")

	tests := []struct {
		name    string
		err     error
		message string
		kind    Kind
	}{
		{"config parse", &ErrConfigParse{Path: "/tmp/config.yaml", Err: base}, "failed to parse config /tmp/config.yaml", KindConfig},
		{"config validation", &ErrConfigValidation{Err: base}, "config validation failed", KindConfig},
		{"config write", &ErrConfigWrite{Path: "/tmp/config.yaml", Err: base}, "failed to write config", KindConfig},
		{"file read", &ErrFileRead{Path: "/tmp/file", Err: base}, "failed to read file", KindConfig},
		{"database open", &ErrDatabaseOpen{Path: "/tmp/db.sqlite", Err: base}, "failed to open database", KindStorage},
		{"migration", &ErrDatabaseMigration{Version: 2, Err: base}, "database migration 2 failed", KindStorage},
		{"query", &ErrDatabaseQuery{Operation: "save snapshot", Err: base}, "database save snapshot failed", KindStorage},
		{"mkdir", &ErrDirectoryCreate{Path: "/tmp/dir", Err: base}, "failed to create directory", KindStorage},
		{"server start", &ErrServerStart{Addr: ":8318", Err: base}, "failed to start server on :8318", KindServer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, tt.err.Error(), tt.message)
			assert.ErrorIs(t, tt.err, base)
			assert.Equal(t, tt.kind, KindOf(fmt.Errorf("wrapped: %w", tt.err)))
		})
	}
}

func TestConfigNotFound(t *testing.T) {
	err := &ErrConfigNotFound{Path: "/tmp/config.yaml"}
	assert.Equal(t, "config file not found: /tmp/config.yaml", err.Error())
	assert.Equal(t, KindConfig, KindOf(err))
}

func TestPresentLocalFailure(t *testing.T) {
	d := Present(&ErrConfigWrite{Path: "/tmp/config.yaml", Err: New("read-only file system")}, "Claude")
	assert.Equal(t, "Claude usage unavailable", d.Title)
	assert.Equal(t, KindConfig, d.Kind)
	assert.Contains(t, d.Suggestion, "/tmp/config.yaml")
	assert.Equal(t, "read-only file system", d.Debug)
	if assert.NotNil(t, d.Action) {
		assert.Equal(t, ActionOpenPreferences, d.Action.Kind)
	}

	d = Present(fmt.Errorf("refresh: %w", &ErrDatabaseQuery{Operation: "load snapshots", Err: New("locked")}), "")
	assert.Equal(t, KindStorage, d.Kind)
	assert.Contains(t, d.Suggestion, "--db")
	assert.Nil(t, d.Action)
}

func TestMiscErrors(t *testing.T) {
	shutdown := &ErrServerShutdown{Err: New("deadline exceeded")}
	assert.Equal(t, "server shutdown failed: deadline exceeded", shutdown.Error())

	assert.Equal(t, "refresher already running", (&ErrAlreadyRunning{Component: "refresher"}).Error())
	assert.Equal(t, KindUnknown, KindOf(&ErrAlreadyRunning{Component: "refresher"}))

	assert.Contains(t, (&ErrUnknownProvider{Provider: "cursor"}).Error(), `"cursor"`)
}
