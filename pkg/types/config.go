package types

// Config represents the aide configuration.
type Config struct {
	// Schema reference (for editor support)
	Schema string `json:"$schema,omitempty"`

	// Names shown for the two sides of a conversation
	Username  string `json:"username,omitempty"`
	Responder string `json:"responder,omitempty"`

	// Log level: DEBUG|INFO|WARN|ERROR
	LogLevel string `json:"logLevel,omitempty"`

	// Agent backend
	Sidecar *SidecarConfig `json:"sidecar,omitempty"`

	// HTTP API
	Server *ServerConfig `json:"server,omitempty"`

	// Working set behavior
	Editing *EditingConfig `json:"editing,omitempty"`
}

// SidecarConfig holds the agent backend connection settings.
type SidecarConfig struct {
	URL   string `json:"url,omitempty"`
	Token string `json:"token,omitempty"`

	// Token refresh attempts before giving up (default 3)
	AuthRetries int `json:"authRetries,omitempty"`
	// Milliseconds between refresh attempts (default 1000)
	AuthRetryInterval int `json:"authRetryInterval,omitempty"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port     int    `json:"port,omitempty"`
	Hostname string `json:"hostname,omitempty"`
	CORS     *bool  `json:"cors,omitempty"`
}

// EditingConfig holds working set settings.
type EditingConfig struct {
	// Glob patterns (doublestar syntax) that are never added to a working set
	Exclude []string `json:"exclude,omitempty"`
	// Watch working set files for changes made outside a stream
	Watch bool `json:"watch,omitempty"`
}
