package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"opsman/internal/model"
)

const (
	defaultRetryAttempts       = 3
	defaultRetryBackoffSeconds = 1
)

// Raw decode types keep optionality visible: Enabled defaults to true only
// when the field is absent, and retry settings default only when absent.
type rawRegistry struct {
	SchemaVersion string         `json:"schema_version"`
	FleetID       string         `json:"fleet_id"`
	Loops         []rawLoop      `json:"loops"`
	Policy        rawFleetPolicy `json:"policy"`
}

type rawLoop struct {
	LoopID    string            `json:"loop_id"`
	Enabled   *bool             `json:"enabled"`
	Transport string            `json:"transport"`
	Sprite    *model.SpriteRef  `json:"sprite"`
	Service   *rawServiceConfig `json:"service"`
	Metadata  map[string]any    `json:"metadata"`
}

type rawServiceConfig struct {
	BaseURL             string `json:"base_url"`
	TokenEnv            string `json:"token_env"`
	RetryAttempts       *int   `json:"retry_attempts"`
	RetryBackoffSeconds *int   `json:"retry_backoff_seconds"`
}

type rawFleetPolicy struct {
	Mode         string              `json:"mode"`
	Suppressions map[string][]string `json:"suppressions"`
}

// Load reads, validates, and normalizes a fleet registry document.
func Load(path string) (model.FleetRegistry, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return model.FleetRegistry{}, fmt.Errorf("registry path is required")
	}
	payload, err := os.ReadFile(path)
	if err != nil {
		return model.FleetRegistry{}, fmt.Errorf("read registry %s: %w", path, err)
	}
	var raw rawRegistry
	if err := json.Unmarshal(payload, &raw); err != nil {
		return model.FleetRegistry{}, &model.ConfigurationError{Path: path, Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}
	registry, err := normalize(raw)
	if err != nil {
		return model.FleetRegistry{}, fmt.Errorf("registry %s: %w", path, err)
	}
	return registry, nil
}

// normalize validates the raw document and produces the normalized registry:
// aliases cross-filled, defaults applied, every invariant checked.
func normalize(raw rawRegistry) (model.FleetRegistry, error) {
	if raw.SchemaVersion != model.SchemaVersionV1 {
		return model.FleetRegistry{}, &model.ConfigurationError{Field: "schema_version", Reason: fmt.Sprintf("expected %q, got %q", model.SchemaVersionV1, raw.SchemaVersion)}
	}
	if len(raw.Loops) == 0 {
		return model.FleetRegistry{}, &model.ConfigurationError{Field: "loops", Reason: "at least one loop is required"}
	}

	mode := strings.TrimSpace(raw.Policy.Mode)
	if mode == "" {
		mode = model.FleetPolicyModeAdvisory
	}
	if mode != model.FleetPolicyModeAdvisory {
		return model.FleetRegistry{}, &model.ConfigurationError{Field: "policy.mode", Reason: fmt.Sprintf("only %q is supported, got %q", model.FleetPolicyModeAdvisory, mode)}
	}

	seen := map[string]bool{}
	loops := make([]model.Loop, 0, len(raw.Loops))
	for i, rawL := range raw.Loops {
		field := fmt.Sprintf("loops[%d]", i)
		loopID := strings.TrimSpace(rawL.LoopID)
		if loopID == "" {
			return model.FleetRegistry{}, &model.ConfigurationError{Field: field + ".loop_id", Reason: "loop id must not be empty"}
		}
		if seen[loopID] {
			return model.FleetRegistry{}, &model.ConfigurationError{Field: field + ".loop_id", Reason: fmt.Sprintf("duplicate loop id %q", loopID)}
		}
		seen[loopID] = true

		loop, err := normalizeLoop(field, loopID, rawL)
		if err != nil {
			return model.FleetRegistry{}, err
		}
		loops = append(loops, loop)
	}

	for loopID := range raw.Policy.Suppressions {
		if !seen[strings.TrimSpace(loopID)] {
			return model.FleetRegistry{}, &model.ConfigurationError{Field: "policy.suppressions", Reason: fmt.Sprintf("unknown loop id %q", loopID)}
		}
	}

	return model.FleetRegistry{
		SchemaVersion: model.SchemaVersionV1,
		EnvelopeType:  model.EnvelopeTypeFleetRegistry,
		FleetID:       strings.TrimSpace(raw.FleetID),
		Loops:         loops,
		Policy: model.FleetPolicy{
			Mode:         mode,
			Suppressions: raw.Policy.Suppressions,
		},
	}, nil
}

func normalizeLoop(field, loopID string, raw rawLoop) (model.Loop, error) {
	transport := model.Transport(strings.TrimSpace(raw.Transport))
	if transport == "" {
		transport = model.TransportLocal
	}
	switch transport {
	case model.TransportLocal, model.TransportSpriteService:
	default:
		return model.Loop{}, &model.ConfigurationError{Field: field + ".transport", Reason: fmt.Sprintf("unknown transport %q", transport)}
	}

	enabled := true
	if raw.Enabled != nil {
		enabled = *raw.Enabled
	}

	var service *model.ServiceConfig
	if raw.Service != nil {
		if raw.Service.RetryAttempts != nil && *raw.Service.RetryAttempts < 1 {
			return model.Loop{}, &model.ConfigurationError{Field: field + ".service.retry_attempts", Reason: "must be >= 1"}
		}
		if raw.Service.RetryBackoffSeconds != nil && *raw.Service.RetryBackoffSeconds < 0 {
			return model.Loop{}, &model.ConfigurationError{Field: field + ".service.retry_backoff_seconds", Reason: "must be >= 0"}
		}
		service = &model.ServiceConfig{
			BaseURL:             strings.TrimSpace(raw.Service.BaseURL),
			TokenEnv:            strings.TrimSpace(raw.Service.TokenEnv),
			RetryAttempts:       defaultRetryAttempts,
			RetryBackoffSeconds: defaultRetryBackoffSeconds,
		}
		if raw.Service.RetryAttempts != nil {
			service.RetryAttempts = *raw.Service.RetryAttempts
		}
		if raw.Service.RetryBackoffSeconds != nil {
			service.RetryBackoffSeconds = *raw.Service.RetryBackoffSeconds
		}
	}

	sprite := raw.Sprite

	if transport == model.TransportSpriteService {
		baseURL := ""
		if service != nil {
			baseURL = service.BaseURL
		}
		if baseURL == "" && sprite != nil {
			baseURL = strings.TrimSpace(sprite.ServiceBaseURL)
		}
		if baseURL == "" {
			return model.Loop{}, &model.ConfigurationError{
				Field:  field,
				Reason: "sprite_service transport requires service.base_url or sprite.service_base_url",
			}
		}
		// Alias cross-fill so both views carry the resolved URL.
		if service == nil {
			service = &model.ServiceConfig{
				RetryAttempts:       defaultRetryAttempts,
				RetryBackoffSeconds: defaultRetryBackoffSeconds,
			}
		}
		service.BaseURL = baseURL
		if sprite == nil {
			sprite = &model.SpriteRef{}
		}
		sprite.ServiceBaseURL = baseURL
	}

	return model.Loop{
		LoopID:    loopID,
		Enabled:   enabled,
		Transport: transport,
		Sprite:    sprite,
		Service:   service,
		Metadata:  raw.Metadata,
	}, nil
}

// Filter narrows a normalized registry to a single loop id.
func Filter(registry model.FleetRegistry, loopID string) (model.FleetRegistry, error) {
	loopID = strings.TrimSpace(loopID)
	if loopID == "" {
		return registry, nil
	}
	for _, loop := range registry.Loops {
		if loop.LoopID == loopID {
			filtered := registry
			filtered.Loops = []model.Loop{loop}
			return filtered, nil
		}
	}
	return model.FleetRegistry{}, fmt.Errorf("loop %s not found in registry", loopID)
}

// Lookup returns the normalized loop entry for an id.
func Lookup(registry model.FleetRegistry, loopID string) (model.Loop, error) {
	if strings.TrimSpace(loopID) == "" {
		return model.Loop{}, fmt.Errorf("loop id is required")
	}
	filtered, err := Filter(registry, loopID)
	if err != nil {
		return model.Loop{}, err
	}
	return filtered.Loops[0], nil
}
