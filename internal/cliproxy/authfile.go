package cliproxy

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/samber/lo"

	"github.com/quotaguard/quotabar/internal/errors"
)

// TokenClaims are the ChatGPT claims CLIProxyAPI decodes from a codex id token.
type TokenClaims struct {
	ChatGPTAccountID string `json:"chatgpt_account_id,omitempty"`
	PlanType         string `json:"plan_type,omitempty"`
}

// AuthFile is one credential file managed by CLIProxyAPI, as listed by the
// management API or read from the local auth directory.
type AuthFile struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Provider      string       `json:"provider,omitempty"`
	Type          string       `json:"type,omitempty"`
	Label         string       `json:"label,omitempty"`
	Email         string       `json:"email,omitempty"`
	Account       string       `json:"account,omitempty"`
	AccountType   string       `json:"account_type,omitempty"`
	AuthIndex     string       `json:"auth_index,omitempty"`
	Status        string       `json:"status,omitempty"`
	StatusMessage string       `json:"status_message,omitempty"`
	Disabled      bool         `json:"disabled,omitempty"`
	Unavailable   bool         `json:"unavailable,omitempty"`
	IDToken       *TokenClaims `json:"id_token,omitempty"`
	ProjectID     string       `json:"project_id,omitempty"`

	Path string `json:"-"`
}

// UnmarshalJSON accepts auth_index as a string or a number, and id_token as
// an object or an opaque string.
func (a *AuthFile) UnmarshalJSON(data []byte) error {
	type plain AuthFile
	var raw struct {
		plain
		AuthIndex json.RawMessage `json:"auth_index,omitempty"`
		IDToken   json.RawMessage `json:"id_token,omitempty"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*a = AuthFile(raw.plain)
	a.AuthIndex = lenientString(raw.AuthIndex)
	a.IDToken = nil
	if len(raw.IDToken) > 0 && raw.IDToken[0] == '{' {
		var claims TokenClaims
		if err := json.Unmarshal(raw.IDToken, &claims); err == nil {
			a.IDToken = &claims
		}
	}
	if strings.TrimSpace(a.ID) == "" {
		a.ID = a.Name
	}
	if a.Name == "" {
		a.Name = a.ID
	}
	return nil
}

func lenientString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		if f == float64(int64(f)) {
			return strconv.FormatInt(int64(f), 10)
		}
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return ""
}

// NormalizedProvider is provider, else type, lowercased.
func (a AuthFile) NormalizedProvider() string {
	p := strings.TrimSpace(a.Provider)
	if p == "" {
		p = strings.TrimSpace(a.Type)
	}
	return strings.ToLower(p)
}

// Active reports a file that is neither disabled nor unavailable.
func (a AuthFile) Active() bool {
	return !a.Disabled && !a.Unavailable
}

// DisplayEmail is the email, else the label.
func (a AuthFile) DisplayEmail() string {
	if e := strings.TrimSpace(a.Email); e != "" {
		return e
	}
	return strings.TrimSpace(a.Label)
}

// AccountLabel is the token account label of the file:
// "provider • email • account", skipping empty parts.
func (a AuthFile) AccountLabel() string {
	parts := lo.Compact([]string{a.NormalizedProvider(), a.DisplayEmail(), strings.TrimSpace(a.Account)})
	parts = lo.Uniq(parts)
	if len(parts) == 0 {
		return a.Name
	}
	return strings.Join(parts, " • ")
}

var (
	ErrNoAuthFiles         = errors.New("cliproxyapi: no auth files")
	ErrAuthIndexNotFound   = errors.New("cliproxyapi: auth index not found")
	ErrMissingAuthIndex    = errors.New("cliproxyapi: auth index is missing")
	ErrAuthFileUnavailable = errors.New("cliproxyapi: account is unavailable")
)

// SelectAuthFile picks the file to query. An explicit index must match;
// otherwise the first active file wins, then the first enabled one, then
// the first file.
func SelectAuthFile(files []AuthFile, authIndex string) (AuthFile, error) {
	if len(files) == 0 {
		return AuthFile{}, ErrNoAuthFiles
	}
	if authIndex = strings.TrimSpace(authIndex); authIndex != "" {
		if f, ok := lo.Find(files, func(f AuthFile) bool { return f.AuthIndex == authIndex }); ok {
			return f, nil
		}
		return AuthFile{}, ErrAuthIndexNotFound
	}
	if f, ok := lo.Find(files, AuthFile.Active); ok {
		return f, nil
	}
	if f, ok := lo.Find(files, func(f AuthFile) bool { return !f.Disabled }); ok {
		return f, nil
	}
	return files[0], nil
}
