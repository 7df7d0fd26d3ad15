package model

type Transport string

const (
	TransportLocal         Transport = "local"
	TransportSpriteService Transport = "sprite_service"
)

const FleetPolicyModeAdvisory = "advisory"

type ServiceConfig struct {
	BaseURL             string `json:"base_url,omitempty"`
	TokenEnv            string `json:"token_env,omitempty"`
	RetryAttempts       int    `json:"retry_attempts"`
	RetryBackoffSeconds int    `json:"retry_backoff_seconds"`
}

type SpriteRef struct {
	Name           string `json:"name,omitempty"`
	ServiceBaseURL string `json:"service_base_url,omitempty"`
}

// Loop is one managed execution unit as it appears in the normalized
// registry. Defaults (enabled, transport, retry settings) have already been
// applied by the registry normalizer.
type Loop struct {
	LoopID    string         `json:"loop_id"`
	Enabled   bool           `json:"enabled"`
	Transport Transport      `json:"transport"`
	Sprite    *SpriteRef     `json:"sprite,omitempty"`
	Service   *ServiceConfig `json:"service,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type FleetPolicy struct {
	Mode         string              `json:"mode"`
	Suppressions map[string][]string `json:"suppressions,omitempty"`
}

type FleetRegistry struct {
	SchemaVersion string      `json:"schema_version"`
	EnvelopeType  string      `json:"envelope_type,omitempty"`
	FleetID       string      `json:"fleet_id"`
	Loops         []Loop      `json:"loops"`
	Policy        FleetPolicy `json:"policy"`
}

// RemoteLoopStatus is the status envelope a sprite service reports for one of
// its assigned loops.
type RemoteLoopStatus struct {
	LoopID    string     `json:"loop_id"`
	Status    LoopStatus `json:"status"`
	Iteration int        `json:"iteration"`
	RunID     string     `json:"run_id,omitempty"`
	UpdatedAt string     `json:"updated_at,omitempty"`
}
