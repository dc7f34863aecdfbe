package provider

import (
	"github.com/quotaguard/quotabar/internal/cliproxy"
	"github.com/quotaguard/quotabar/internal/fetch"
	"github.com/quotaguard/quotabar/internal/models"
)

func cliproxyDescriptor(d *Deps) Descriptor {
	management := cliproxy.NewManagementStrategy(d.Connector)
	return Descriptor{
		ID:           models.ProviderCLIProxyAPI,
		DisplayName:  "CLIProxyAPI",
		DashboardURL: "https://github.com/router-for-me/CLIProxyAPI",
		Modes:        []models.SourceMode{models.SourceAuto, models.SourceAPI},
		Policy:       cliproxy.KeyPolicy,
		Strategies: func(*fetch.Context) []fetch.Strategy {
			return []fetch.Strategy{management}
		},
	}
}
