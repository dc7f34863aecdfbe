package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProviderID(t *testing.T) {
	id, err := ParseProviderID(" Claude ")
	require.NoError(t, err)
	assert.Equal(t, ProviderClaude, id)

	_, err = ParseProviderID("cursor")
	assert.Error(t, err)
}

func TestParseSourceMode(t *testing.T) {
	tests := []struct {
		raw     string
		want    SourceMode
		wantErr bool
	}{
		{raw: "", want: SourceAuto},
		{raw: "AUTO", want: SourceAuto},
		{raw: "web", want: SourceWeb},
		{raw: "oauth", want: SourceOAuth},
		{raw: "browser", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseSourceMode(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFetchKindSourceMode(t *testing.T) {
	assert.Equal(t, SourceAPI, KindAPIToken.SourceMode())
	assert.Equal(t, SourceAPI, KindManagement.SourceMode())
	assert.Equal(t, SourceCLI, KindCLI.SourceMode())
	assert.Equal(t, SourceWeb, KindWebCookie.SourceMode())
	assert.Equal(t, SourceOAuth, KindOAuth.SourceMode())
}

func TestProviderConfigDefaults(t *testing.T) {
	var cfg ProviderConfig
	assert.True(t, cfg.IsEnabled(true))
	assert.False(t, cfg.IsEnabled(false))
	assert.Equal(t, SourceAuto, cfg.SourceMode())
	assert.Equal(t, CookieSourceAuto, cfg.EffectiveCookieSource())
	assert.True(t, cfg.SecureStoreAllowed())

	cfg = ProviderConfig{
		Enabled:           Ptr(false),
		Source:            "nonsense",
		CookieSource:      "manual",
		SecureStoreAccess: Ptr(false),
	}
	assert.False(t, cfg.IsEnabled(true))
	assert.Equal(t, SourceAuto, cfg.SourceMode())
	assert.Equal(t, CookieSourceManual, cfg.EffectiveCookieSource())
	assert.False(t, cfg.SecureStoreAllowed())
}

func TestProviderConfigCloneIsDeep(t *testing.T) {
	used := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	cfg := ProviderConfig{
		Enabled: Ptr(true),
		TokenAccounts: &TokenAccountData{
			Version: 1,
			Accounts: []TokenAccount{{
				ID:       "a1",
				Token:    "tok",
				LastUsed: &used,
				RateLimitResetTimes: map[string]time.Time{
					"pro": used,
				},
			}},
		},
		Keepalive: &KeepaliveSettings{Mode: "interval", IntervalSeconds: 60},
	}

	clone := cfg.Clone()
	*clone.Enabled = false
	clone.TokenAccounts.Accounts[0].Label = "changed"
	*clone.TokenAccounts.Accounts[0].LastUsed = used.Add(time.Hour)
	clone.TokenAccounts.Accounts[0].RateLimitResetTimes["pro"] = used.Add(time.Hour)
	clone.Keepalive.IntervalSeconds = 5

	assert.True(t, *cfg.Enabled)
	assert.Empty(t, cfg.TokenAccounts.Accounts[0].Label)
	assert.Equal(t, used, *cfg.TokenAccounts.Accounts[0].LastUsed)
	assert.Equal(t, used, cfg.TokenAccounts.Accounts[0].RateLimitResetTimes["pro"])
	assert.Equal(t, 60, cfg.Keepalive.IntervalSeconds)
}

func TestTokenAccountDataActive(t *testing.T) {
	var nilData *TokenAccountData
	assert.Nil(t, nilData.Active())

	data := &TokenAccountData{Accounts: []TokenAccount{{ID: "a"}, {ID: "b"}}, ActiveIndex: 1}
	require.NotNil(t, data.Active())
	assert.Equal(t, "b", data.Active().ID)

	data.ActiveIndex = 7
	assert.Equal(t, "a", data.Active().ID)
}

func TestTokenAccountCooldown(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	acct := TokenAccount{}
	assert.False(t, acct.IsCoolingDown(now))

	acct.CoolingDownUntil = Ptr(now.Add(time.Minute))
	assert.True(t, acct.IsCoolingDown(now))
	assert.False(t, acct.IsCoolingDown(now.Add(2*time.Minute)))
}

func TestSnapshotWindows(t *testing.T) {
	snap := &UsageSnapshot{
		Primary:  &RateWindow{UsedPercent: 10},
		Tertiary: &RateWindow{UsedPercent: 30},
	}
	windows := snap.Windows()
	require.Len(t, windows, 2)
	assert.Equal(t, 90.0, windows[0].RemainingPercent())
	assert.Equal(t, 30.0, windows[1].UsedPercent)
}
