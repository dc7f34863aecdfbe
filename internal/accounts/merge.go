package accounts

import (
	"strings"
	"time"

	"github.com/quotaguard/quotabar/internal/models"
)

// Discovered is an account reported by a remote source such as a management
// API.
type Discovered struct {
	Label string
	Token string
}

// Merge folds discovered accounts into existing data, matching by token.
// Matched entries keep their id, addedAt, lastUsed and cooldown bookkeeping
// and take label and token from the discovered entry. Unmatched discovered
// entries become new accounts. Stored entries that were not discovered are
// kept after the discovered ones, in their previous order. The active index
// follows the previously active token, else it resets to 0.
func Merge(existing *models.TokenAccountData, discovered []Discovered, now time.Time, newID func() string) *models.TokenAccountData {
	prev := existing.Clone()
	if prev == nil {
		prev = &models.TokenAccountData{}
	}
	var activeToken string
	if a := prev.Active(); a != nil {
		activeToken = a.Token
	}

	used := make([]bool, len(prev.Accounts))
	seen := make(map[string]bool, len(discovered))
	out := &models.TokenAccountData{Version: models.TokenAccountDataVersion}

	for _, d := range discovered {
		token := strings.TrimSpace(d.Token)
		if token == "" || seen[token] {
			continue
		}
		seen[token] = true

		idx := -1
		for i, acc := range prev.Accounts {
			if !used[i] && acc.Token == token {
				idx = i
				break
			}
		}
		if idx >= 0 {
			used[idx] = true
			acc := prev.Accounts[idx]
			acc.Label = d.Label
			acc.Token = token
			out.Accounts = append(out.Accounts, acc)
			continue
		}
		out.Accounts = append(out.Accounts, models.TokenAccount{
			ID:      newID(),
			Label:   d.Label,
			Token:   token,
			AddedAt: now.UTC(),
		})
	}
	for i, acc := range prev.Accounts {
		if !used[i] {
			out.Accounts = append(out.Accounts, acc)
		}
	}

	for i, acc := range out.Accounts {
		if activeToken != "" && acc.Token == activeToken {
			out.ActiveIndex = i
			break
		}
	}
	return out
}
