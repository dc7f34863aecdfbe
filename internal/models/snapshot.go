package models

import "time"

// RateWindow is one quota period.
type RateWindow struct {
	UsedPercent      float64    `json:"usedPercent"`
	WindowMinutes    *int       `json:"windowMinutes,omitempty"`
	ResetsAt         *time.Time `json:"resetsAt,omitempty"`
	ResetDescription *string    `json:"resetDescription,omitempty"`
	Label            string     `json:"label,omitempty"`
}

// RemainingPercent returns 100 - UsedPercent.
func (w RateWindow) RemainingPercent() float64 {
	return 100 - w.UsedPercent
}

// Identity describes the account a snapshot belongs to. Unknown fields are nil.
type Identity struct {
	AccountEmail        *string `json:"accountEmail,omitempty"`
	AccountOrganization *string `json:"accountOrganization,omitempty"`
	LoginMethod         *string `json:"loginMethod,omitempty"`
}

// Cost carries spend or credit figures when a provider reports them.
type Cost struct {
	Used     float64    `json:"used"`
	Limit    *float64   `json:"limit,omitempty"`
	Currency string     `json:"currency,omitempty"`
	Period   string     `json:"period,omitempty"`
	ResetsAt *time.Time `json:"resetsAt,omitempty"`
}

// UsageSnapshot is the normalized result of one successful fetch.
type UsageSnapshot struct {
	Provider    ProviderID  `json:"provider"`
	Primary     *RateWindow `json:"primary,omitempty"`
	Secondary   *RateWindow `json:"secondary,omitempty"`
	Tertiary    *RateWindow `json:"tertiary,omitempty"`
	Identity    *Identity   `json:"identity,omitempty"`
	Cost        *Cost       `json:"cost,omitempty"`
	CLIVersion  *string     `json:"cliVersion,omitempty"`
	SourceLabel string      `json:"sourceLabel"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// Windows returns the non-nil rate windows in order.
func (s *UsageSnapshot) Windows() []RateWindow {
	var out []RateWindow
	for _, w := range []*RateWindow{s.Primary, s.Secondary, s.Tertiary} {
		if w != nil {
			out = append(out, *w)
		}
	}
	return out
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
