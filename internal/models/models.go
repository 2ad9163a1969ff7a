package models

// CLIStatus reports whether a program sessions depend on was found.
type CLIStatus struct {
	Name      string `json:"name"`
	Role      string `json:"role"`
	Installed bool   `json:"installed"`
	Path      string `json:"path,omitempty"`
}

type HealthResponse struct {
	Status   string      `json:"status"`
	CLIs     []CLIStatus `json:"clis"`
	Sessions int         `json:"sessions"`
}

type SessionsResponse struct {
	Sessions []string `json:"sessions"`
}
