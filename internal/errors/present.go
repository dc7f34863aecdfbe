package errors

import "fmt"

// ActionKind names something the presentation layer can do for the user.
type ActionKind string

const (
	ActionOpenBrowser        ActionKind = "openBrowser"
	ActionOpenPreferences    ActionKind = "openPreferences"
	ActionRetry              ActionKind = "retry"
	ActionOpenSystemSettings ActionKind = "openSystemSettings"
)

// Action is an optional hint attached to an error.
type Action struct {
	Kind   ActionKind `json:"kind"`
	Target string     `json:"target,omitempty"`
}

func OpenBrowser(url string) *Action {
	return &Action{Kind: ActionOpenBrowser, Target: url}
}

func OpenPreferences(tab string) *Action {
	return &Action{Kind: ActionOpenPreferences, Target: tab}
}

func Retry() *Action {
	return &Action{Kind: ActionRetry}
}

func OpenSystemSettings(pane string) *Action {
	return &Action{Kind: ActionOpenSystemSettings, Target: pane}
}

// UserFacing is implemented by every error kind in the fetch taxonomy.
type UserFacing interface {
	error
	UserMessage() string
	RecoverySuggestion() string
	ActionHint() *Action
	TechnicalDetails() string
}

// Displayable is the shape handed to the presentation layer.
type Displayable struct {
	Title      string  `json:"title"`
	Message    string  `json:"message"`
	Suggestion string  `json:"suggestion,omitempty"`
	Action     *Action `json:"action,omitempty"`
	Debug      string  `json:"debug,omitempty"`
	Kind       Kind    `json:"kind"`
}

// Present converts any error into a Displayable. Errors outside the
// taxonomy get a generic message with the raw error as debug detail.
func Present(err error, providerName string) Displayable {
	if err == nil {
		return Displayable{}
	}
	title := "Usage unavailable"
	if providerName != "" {
		title = fmt.Sprintf("%s usage unavailable", providerName)
	}

	var uf UserFacing
	if As(err, &uf) {
		return Displayable{
			Title:      title,
			Message:    uf.UserMessage(),
			Suggestion: uf.RecoverySuggestion(),
			Action:     uf.ActionHint(),
			Debug:      uf.TechnicalDetails(),
			Kind:       KindOf(err),
		}
	}

	if l, ok := localFailure(err); ok {
		return Displayable{
			Title:      title,
			Message:    l.message,
			Suggestion: l.suggestion,
			Action:     l.action(),
			Debug:      l.details(),
			Kind:       l.kind,
		}
	}

	return Displayable{
		Title:      title,
		Message:    "Something went wrong while fetching usage.",
		Suggestion: "Try again. If the problem persists, run quotabar doctor.",
		Action:     Retry(),
		Debug:      err.Error(),
		Kind:       KindUnknown,
	}
}
