package models

// KeepaliveSettings overrides the keepalive defaults of a provider.
// Zero values keep the default.
type KeepaliveSettings struct {
	Enabled                   *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Mode                      string `json:"mode,omitempty" yaml:"mode,omitempty"`
	IntervalSeconds           int    `json:"intervalSeconds,omitempty" yaml:"intervalSeconds,omitempty"`
	DailyHour                 int    `json:"dailyHour,omitempty" yaml:"dailyHour,omitempty"`
	DailyMinute               int    `json:"dailyMinute,omitempty" yaml:"dailyMinute,omitempty"`
	BufferSeconds             int    `json:"bufferSeconds,omitempty" yaml:"bufferSeconds,omitempty"`
	MinRefreshIntervalSeconds int    `json:"minRefreshIntervalSeconds,omitempty" yaml:"minRefreshIntervalSeconds,omitempty"`
	MaxBackoffSeconds         int    `json:"maxBackoffSeconds,omitempty" yaml:"maxBackoffSeconds,omitempty"`
}

// ProviderConfig is the user-edited configuration of one provider.
type ProviderConfig struct {
	Enabled           *bool              `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Source            string             `json:"source,omitempty" yaml:"source,omitempty"`
	CookieHeader      string             `json:"cookieHeader,omitempty" yaml:"cookieHeader,omitempty"`
	CookieSource      string             `json:"cookieSource,omitempty" yaml:"cookieSource,omitempty"`
	APIKey            string             `json:"apiKey,omitempty" yaml:"apiKey,omitempty"`
	ManagementURL     string             `json:"managementURL,omitempty" yaml:"managementURL,omitempty"`
	ManagementKey     string             `json:"managementKey,omitempty" yaml:"managementKey,omitempty"`
	AuthIndex         string             `json:"authIndex,omitempty" yaml:"authIndex,omitempty"`
	AccountEmail      string             `json:"accountEmail,omitempty" yaml:"accountEmail,omitempty"`
	SecureStoreAccess *bool              `json:"secureStoreAccess,omitempty" yaml:"secureStoreAccess,omitempty"`
	TokenAccounts     *TokenAccountData  `json:"tokenAccounts,omitempty" yaml:"tokenAccounts,omitempty"`
	Keepalive         *KeepaliveSettings `json:"keepalive,omitempty" yaml:"keepalive,omitempty"`
}

// IsEnabled returns the configured enablement or def when unset.
func (c ProviderConfig) IsEnabled(def bool) bool {
	if c.Enabled == nil {
		return def
	}
	return *c.Enabled
}

// SourceMode returns the configured source mode. Invalid values fall back to auto.
func (c ProviderConfig) SourceMode() SourceMode {
	mode, err := ParseSourceMode(c.Source)
	if err != nil {
		return SourceAuto
	}
	return mode
}

// EffectiveCookieSource returns the cookie source policy, auto when unset.
func (c ProviderConfig) EffectiveCookieSource() CookieSource {
	switch CookieSource(c.CookieSource) {
	case CookieSourceManual:
		return CookieSourceManual
	case CookieSourceOff:
		return CookieSourceOff
	default:
		return CookieSourceAuto
	}
}

// SecureStoreAllowed reports whether the user permits secure store reads.
func (c ProviderConfig) SecureStoreAllowed() bool {
	return c.SecureStoreAccess == nil || *c.SecureStoreAccess
}

// Clone returns a deep copy so a settings snapshot cannot alias the store.
func (c ProviderConfig) Clone() ProviderConfig {
	out := c
	if c.Enabled != nil {
		out.Enabled = Ptr(*c.Enabled)
	}
	if c.SecureStoreAccess != nil {
		out.SecureStoreAccess = Ptr(*c.SecureStoreAccess)
	}
	out.TokenAccounts = c.TokenAccounts.Clone()
	if c.Keepalive != nil {
		k := *c.Keepalive
		if k.Enabled != nil {
			k.Enabled = Ptr(*k.Enabled)
		}
		out.Keepalive = &k
	}
	return out
}
