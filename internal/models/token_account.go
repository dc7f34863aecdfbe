package models

import "time"

// TokenAccount is one stored credential identity for a provider.
type TokenAccount struct {
	ID                  string               `json:"id" yaml:"id"`
	Label               string               `json:"label" yaml:"label"`
	Token               string               `json:"token" yaml:"token"`
	AddedAt             time.Time            `json:"addedAt" yaml:"addedAt"`
	LastUsed            *time.Time           `json:"lastUsed,omitempty" yaml:"lastUsed,omitempty"`
	RateLimitResetTimes map[string]time.Time `json:"rateLimitResetTimes,omitempty" yaml:"rateLimitResetTimes,omitempty"`
	CoolingDownUntil    *time.Time           `json:"coolingDownUntil,omitempty" yaml:"coolingDownUntil,omitempty"`
	CooldownReason      string               `json:"cooldownReason,omitempty" yaml:"cooldownReason,omitempty"`
}

// IsCoolingDown reports whether the account is inside a cooldown window at now.
func (a *TokenAccount) IsCoolingDown(now time.Time) bool {
	return a.CoolingDownUntil != nil && now.Before(*a.CoolingDownUntil)
}

// Clone returns a deep copy.
func (a TokenAccount) Clone() TokenAccount {
	out := a
	if a.LastUsed != nil {
		out.LastUsed = Ptr(*a.LastUsed)
	}
	if a.CoolingDownUntil != nil {
		out.CoolingDownUntil = Ptr(*a.CoolingDownUntil)
	}
	if a.RateLimitResetTimes != nil {
		out.RateLimitResetTimes = make(map[string]time.Time, len(a.RateLimitResetTimes))
		for k, v := range a.RateLimitResetTimes {
			out.RateLimitResetTimes[k] = v
		}
	}
	return out
}

// TokenAccountData is the persisted account list of one provider.
type TokenAccountData struct {
	Version     int            `json:"version" yaml:"version"`
	Accounts    []TokenAccount `json:"accounts" yaml:"accounts"`
	ActiveIndex int            `json:"activeIndex" yaml:"activeIndex"`
}

// TokenAccountDataVersion is written on every mutation.
const TokenAccountDataVersion = 1

// Active returns the account at ActiveIndex, clamped into range, or nil.
func (d *TokenAccountData) Active() *TokenAccount {
	if d == nil || len(d.Accounts) == 0 {
		return nil
	}
	idx := d.ActiveIndex
	if idx < 0 || idx >= len(d.Accounts) {
		idx = 0
	}
	return &d.Accounts[idx]
}

// Clone returns a deep copy.
func (d *TokenAccountData) Clone() *TokenAccountData {
	if d == nil {
		return nil
	}
	out := &TokenAccountData{Version: d.Version, ActiveIndex: d.ActiveIndex}
	if d.Accounts != nil {
		out.Accounts = make([]TokenAccount, len(d.Accounts))
		for i, a := range d.Accounts {
			out.Accounts[i] = a.Clone()
		}
	}
	return out
}

// TokenAccountOverride forces one account for a single fetch. Never persisted.
type TokenAccountOverride struct {
	Provider ProviderID
	Account  TokenAccount
}
