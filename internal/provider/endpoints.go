package provider

// Endpoints are the upstream base URLs. Tests point them at local servers.
type Endpoints struct {
	ChatGPT          string
	ClaudeAPI        string
	ClaudeWeb        string
	GeminiCodeAssist string
	GeminiAPI        string
	GitHubAPI        string
	ZAI              string
	Augment          string
}

// DefaultEndpoints returns the production base URLs.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		ChatGPT:          "https://chatgpt.com",
		ClaudeAPI:        "https://api.anthropic.com",
		ClaudeWeb:        "https://claude.ai",
		GeminiCodeAssist: "https://cloudcode-pa.googleapis.com",
		GeminiAPI:        "https://generativelanguage.googleapis.com/v1beta",
		GitHubAPI:        "https://api.github.com",
		ZAI:              "https://api.z.ai",
		Augment:          "https://app.augmentcode.com",
	}
}
