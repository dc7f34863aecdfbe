package fetch

import "github.com/quotaguard/quotabar/internal/errors"

// FallbackPolicy decides whether a strategy error lets the pipeline move on.
type FallbackPolicy func(err error) bool

// Never stops the pipeline on any error.
func Never(error) bool { return false }

// OnLocalFailure falls back when local credentials are missing or rejected,
// or when the upstream could not be reached or understood. CLI and OAuth
// strategies use it.
func OnLocalFailure(err error) bool {
	switch errors.KindOf(err) {
	case errors.KindMissingCredentials, errors.KindInvalidCredentials,
		errors.KindNetwork, errors.KindParse:
		return true
	}
	return false
}

// OnMissingSession falls back when no cookie could be found or imported.
// Web strategies use it.
func OnMissingSession(err error) bool {
	return errors.KindOf(err) == errors.KindMissingCredentials || errors.IsImportFailure(err)
}
