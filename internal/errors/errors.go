package errors

import (
	stderrors "errors"
	"fmt"
)

// New, Is and As mirror the standard library so callers can import this
// package unaliased.
func New(text string) error { return stderrors.New(text) }

func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target interface{}) bool { return stderrors.As(err, target) }

// Local failures. They are not fetch errors, but they reach the same
// presentation layer when a refresh cannot even start.
const (
	KindConfig  Kind = "config"
	KindStorage Kind = "storage"
	KindServer  Kind = "server"
)

// local is the presentation of a local failure.
type local struct {
	kind       Kind
	message    string
	suggestion string
	cause      error
}

func (l local) action() *Action {
	if l.kind == KindConfig {
		return OpenPreferences("general")
	}
	return nil
}

func (l local) details() string {
	if l.cause == nil {
		return ""
	}
	return l.cause.Error()
}

func configProblem(path string, err error) local {
	where := "the configuration file"
	if path != "" {
		where = path
	}
	return local{
		kind:       KindConfig,
		message:    "The quotabar configuration could not be used.",
		suggestion: fmt.Sprintf("Fix %s or run quotabar doctor.", where),
		cause:      err,
	}
}

func storageProblem(err error) local {
	return local{
		kind:       KindStorage,
		message:    "The local quotabar database is unavailable.",
		suggestion: "Check the --db path and its permissions, then run quotabar doctor.",
		cause:      err,
	}
}

// ErrConfigNotFound means the config file does not exist. Loaders treat it
// as "use defaults".
type ErrConfigNotFound struct {
	Path string
}

func (e *ErrConfigNotFound) Error() string {
	return fmt.Sprintf("config file not found: %s", e.Path)
}

func (e *ErrConfigNotFound) Kind() Kind { return KindConfig }

// ErrConfigParse means the config document is not valid YAML or JSON.
type ErrConfigParse struct {
	Path string
	Err  error
}

func (e *ErrConfigParse) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("failed to parse config %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("failed to parse config: %v", e.Err)
}

func (e *ErrConfigParse) Unwrap() error { return e.Err }

func (e *ErrConfigParse) presentable() local { return configProblem(e.Path, e.Err) }

// ErrConfigValidation means the document parsed but holds invalid values.
type ErrConfigValidation struct {
	Err error
}

func (e *ErrConfigValidation) Error() string {
	return fmt.Sprintf("config validation failed: %v", e.Err)
}

func (e *ErrConfigValidation) Unwrap() error { return e.Err }

func (e *ErrConfigValidation) presentable() local { return configProblem("", e.Err) }

// ErrConfigWrite means a settings change could not be persisted.
type ErrConfigWrite struct {
	Path string
	Err  error
}

func (e *ErrConfigWrite) Error() string {
	return fmt.Sprintf("failed to write config %s: %v", e.Path, e.Err)
}

func (e *ErrConfigWrite) Unwrap() error { return e.Err }

func (e *ErrConfigWrite) presentable() local { return configProblem(e.Path, e.Err) }

// ErrDatabaseOpen means the sqlite file could not be opened.
type ErrDatabaseOpen struct {
	Path string
	Err  error
}

func (e *ErrDatabaseOpen) Error() string {
	return fmt.Sprintf("failed to open database %s: %v", e.Path, e.Err)
}

func (e *ErrDatabaseOpen) Unwrap() error { return e.Err }

func (e *ErrDatabaseOpen) presentable() local { return storageProblem(e.Err) }

// ErrDatabaseMigration means a schema migration failed and was rolled back.
type ErrDatabaseMigration struct {
	Version int
	Err     error
}

func (e *ErrDatabaseMigration) Error() string {
	return fmt.Sprintf("database migration %d failed: %v", e.Version, e.Err)
}

func (e *ErrDatabaseMigration) Unwrap() error { return e.Err }

func (e *ErrDatabaseMigration) presentable() local { return storageProblem(e.Err) }

// ErrDatabaseQuery wraps a failed statement with the store operation name.
type ErrDatabaseQuery struct {
	Operation string
	Err       error
}

func (e *ErrDatabaseQuery) Error() string {
	return fmt.Sprintf("database %s failed: %v", e.Operation, e.Err)
}

func (e *ErrDatabaseQuery) Unwrap() error { return e.Err }

func (e *ErrDatabaseQuery) presentable() local { return storageProblem(e.Err) }

// ErrDirectoryCreate means a config or data directory could not be created.
type ErrDirectoryCreate struct {
	Path string
	Err  error
}

func (e *ErrDirectoryCreate) Error() string {
	return fmt.Sprintf("failed to create directory %s: %v", e.Path, e.Err)
}

func (e *ErrDirectoryCreate) Unwrap() error { return e.Err }

func (e *ErrDirectoryCreate) presentable() local { return storageProblem(e.Err) }

// ErrFileRead means an existing file could not be read.
type ErrFileRead struct {
	Path string
	Err  error
}

func (e *ErrFileRead) Error() string {
	return fmt.Sprintf("failed to read file %s: %v", e.Path, e.Err)
}

func (e *ErrFileRead) Unwrap() error { return e.Err }

func (e *ErrFileRead) presentable() local { return configProblem(e.Path, e.Err) }

// ErrServerStart means the local API could not listen.
type ErrServerStart struct {
	Addr string
	Err  error
}

func (e *ErrServerStart) Error() string {
	return fmt.Sprintf("failed to start server on %s: %v", e.Addr, e.Err)
}

func (e *ErrServerStart) Unwrap() error { return e.Err }

func (e *ErrServerStart) presentable() local {
	return local{
		kind:       KindServer,
		message:    fmt.Sprintf("The local API could not listen on %s.", e.Addr),
		suggestion: "Another process may hold the port. Pass --port or stop the other process.",
		cause:      e.Err,
	}
}

// ErrServerShutdown means in-flight requests did not finish in time.
type ErrServerShutdown struct {
	Err error
}

func (e *ErrServerShutdown) Error() string {
	return fmt.Sprintf("server shutdown failed: %v", e.Err)
}

func (e *ErrServerShutdown) Unwrap() error { return e.Err }

// ErrAlreadyRunning is returned when a background loop is started twice.
type ErrAlreadyRunning struct {
	Component string
}

func (e *ErrAlreadyRunning) Error() string {
	return fmt.Sprintf("%s already running", e.Component)
}

// ErrUnknownProvider is returned when a provider id is not registered.
type ErrUnknownProvider struct {
	Provider string
}

func (e *ErrUnknownProvider) Error() string {
	return fmt.Sprintf("unknown provider: %q", e.Provider)
}

type presentableLocal interface {
	presentable() local
}

// localFailure finds a local failure in err's chain.
func localFailure(err error) (local, bool) {
	var p presentableLocal
	if As(err, &p) {
		return p.presentable(), true
	}
	return local{}, false
}
