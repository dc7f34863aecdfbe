package models

// Settings is the configuration store the core reads provider settings
// from. Implementations must be safe for concurrent use and must hand out
// copies. UpdateProviderConfig applies mutate to a copy and persists it.
type Settings interface {
	ProviderConfig(id ProviderID) ProviderConfig
	UpdateProviderConfig(id ProviderID, mutate func(*ProviderConfig)) error
}
