package alerting

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"opsman/internal/model"
)

// Load reads and validates an alert sink configuration file.
func Load(path string) (model.AlertSinkConfig, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return model.AlertSinkConfig{}, fmt.Errorf("alert config path is required")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return model.AlertSinkConfig{}, fmt.Errorf("read alert config %s: %w", path, err)
	}
	var cfg model.AlertSinkConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return model.AlertSinkConfig{}, &model.ConfigurationError{Path: path, Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}
	if err := Validate(cfg); err != nil {
		return model.AlertSinkConfig{}, fmt.Errorf("alert config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks config shape: sink types, timeouts, per-type secret env
// references, and route/sink cross references. Secret presence is checked at
// resolve time, not here.
func Validate(cfg model.AlertSinkConfig) error {
	if cfg.SchemaVersion != model.SchemaVersionV1 {
		return &model.ConfigurationError{Field: "schema_version", Reason: fmt.Sprintf("expected %q, got %q", model.SchemaVersionV1, cfg.SchemaVersion)}
	}
	if len(cfg.Sinks) == 0 {
		return &model.ConfigurationError{Field: "sinks", Reason: "at least one sink is required"}
	}
	for id, sink := range cfg.Sinks {
		if strings.TrimSpace(id) == "" {
			return &model.ConfigurationError{Field: "sinks", Reason: "sink id must not be empty"}
		}
		field := "sinks." + id
		switch sink.Type {
		case model.SinkTypeWebhook:
			if strings.TrimSpace(sink.URLEnv) == "" {
				return &model.ConfigurationError{Field: field + ".url_env", Reason: "webhook sink requires a url env reference"}
			}
		case model.SinkTypeSlack:
			if strings.TrimSpace(sink.WebhookURLEnv) == "" {
				return &model.ConfigurationError{Field: field + ".webhook_url_env", Reason: "slack sink requires a webhook url env reference"}
			}
		case model.SinkTypePagerDuty:
			if strings.TrimSpace(sink.RoutingKeyEnv) == "" {
				return &model.ConfigurationError{Field: field + ".routing_key_env", Reason: "pagerduty_events sink requires a routing key env reference"}
			}
		default:
			return &model.ConfigurationError{Field: field + ".type", Reason: fmt.Sprintf("unknown sink type %q", sink.Type)}
		}
		if sink.TimeoutSeconds < 1 || sink.TimeoutSeconds > 120 {
			return &model.ConfigurationError{Field: field + ".timeout_seconds", Reason: fmt.Sprintf("must be between 1 and 120, got %d", sink.TimeoutSeconds)}
		}
	}
	if cfg.DefaultMinSeverity != "" && model.SeverityRank(cfg.DefaultMinSeverity) == 0 {
		return &model.ConfigurationError{Field: "default_min_severity", Reason: fmt.Sprintf("unknown severity %q", cfg.DefaultMinSeverity)}
	}
	for _, id := range cfg.Routing.DefaultSinks {
		if _, ok := cfg.Sinks[id]; !ok {
			return &model.ConfigurationError{Field: "routing.default_sinks", Reason: fmt.Sprintf("unknown sink %q", id)}
		}
	}
	for category, severity := range cfg.Routing.CategorySeverity {
		if model.SeverityRank(severity) == 0 {
			return &model.ConfigurationError{Field: "routing.category_severity." + category, Reason: fmt.Sprintf("unknown severity %q", severity)}
		}
	}
	for i, route := range cfg.Routing.Routes {
		field := fmt.Sprintf("routing.routes[%d]", i)
		if strings.TrimSpace(route.Category) == "" {
			return &model.ConfigurationError{Field: field + ".category", Reason: "category is required"}
		}
		if route.MinSeverity != "" && model.SeverityRank(route.MinSeverity) == 0 {
			return &model.ConfigurationError{Field: field + ".min_severity", Reason: fmt.Sprintf("unknown severity %q", route.MinSeverity)}
		}
		for _, id := range route.Sinks {
			if _, ok := cfg.Sinks[id]; !ok {
				return &model.ConfigurationError{Field: field + ".sinks", Reason: fmt.Sprintf("unknown sink %q", id)}
			}
		}
	}
	return nil
}

// Resolver decides where an alert of a given category would be delivered.
// It resolves secret env references only; values are never read into the
// output document.
type Resolver struct {
	LookupEnv func(string) (string, bool)
	FailOpen  bool
	Now       func() time.Time
}

func NewResolver() *Resolver {
	return &Resolver{LookupEnv: os.LookupEnv, Now: time.Now}
}

// Resolve applies routing rules for (category, severityOverride). With
// fail-closed policy active, a missing secret on any enabled resolved sink
// aborts the whole resolution.
func (r *Resolver) Resolve(cfg model.AlertSinkConfig, category string, severityOverride model.Severity) (model.AlertResolution, error) {
	category = strings.TrimSpace(category)
	if category == "" {
		return model.AlertResolution{}, fmt.Errorf("alert category is required")
	}
	if severityOverride != "" && model.SeverityRank(severityOverride) == 0 {
		return model.AlertResolution{}, fmt.Errorf("unknown severity %q", severityOverride)
	}

	var route *model.RouteConfig
	for i := range cfg.Routing.Routes {
		if cfg.Routing.Routes[i].Enabled && cfg.Routing.Routes[i].Category == category {
			route = &cfg.Routing.Routes[i]
			break
		}
	}

	sinkIDs := cfg.Routing.DefaultSinks
	if route != nil && len(route.Sinks) > 0 {
		sinkIDs = route.Sinks
	}

	minSeverity := cfg.DefaultMinSeverity
	if minSeverity == "" {
		minSeverity = model.SeverityInfo
	}
	if route != nil && route.MinSeverity != "" {
		minSeverity = route.MinSeverity
	}

	eventSeverity := severityOverride
	if eventSeverity == "" {
		eventSeverity = cfg.Routing.CategorySeverity[category]
	}
	if eventSeverity == "" {
		eventSeverity = minSeverity
	}

	resolution := model.AlertResolution{
		SchemaVersion:     model.SchemaVersionV1,
		EnvelopeType:      model.EnvelopeTypeAlertResolution,
		Category:          category,
		EventSeverity:     eventSeverity,
		MinSeverity:       minSeverity,
		ShouldDispatch:    model.SeverityRank(eventSeverity) >= model.SeverityRank(minSeverity),
		SinkIDs:           append([]string{}, sinkIDs...),
		Sinks:             []model.ResolvedSink{},
		DispatchableSinks: []string{},
		ResolvedAt:        r.Now().UTC(),
	}
	if route != nil {
		resolution.RouteCategory = route.Category
	}

	lookup := r.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	for _, id := range sinkIDs {
		sink, ok := cfg.Sinks[id]
		if !ok {
			return model.AlertResolution{}, &model.ConfigurationError{Field: "sinks", Reason: fmt.Sprintf("route references unknown sink %q", id)}
		}
		envs := secretEnvs(sink)
		if sink.Enabled && !r.FailOpen {
			for _, env := range envs {
				if _, set := lookup(env); !set {
					return model.AlertResolution{}, &model.ConfigurationError{
						Field:  "sinks." + id,
						Reason: fmt.Sprintf("secret env %s is not set", env),
					}
				}
			}
		}
		resolution.Sinks = append(resolution.Sinks, model.ResolvedSink{
			ID:             id,
			Type:           sink.Type,
			Enabled:        sink.Enabled,
			TimeoutSeconds: sink.TimeoutSeconds,
			SecretEnvs:     envs,
		})
		if resolution.ShouldDispatch && sink.Enabled {
			resolution.DispatchableSinks = append(resolution.DispatchableSinks, id)
		}
	}
	return resolution, nil
}

// secretEnvs lists every env reference a sink declares, required ones first.
// A declared-but-optional env (the webhook auth token) is treated as required
// once declared: naming it in the config means the operator expects it set,
// so the fail-closed check covers it too.
func secretEnvs(sink model.SinkConfig) []string {
	var envs []string
	add := func(env string) {
		env = strings.TrimSpace(env)
		if env != "" {
			envs = append(envs, env)
		}
	}
	switch sink.Type {
	case model.SinkTypeWebhook:
		add(sink.URLEnv)
		add(sink.AuthTokenEnv)
	case model.SinkTypeSlack:
		add(sink.WebhookURLEnv)
	case model.SinkTypePagerDuty:
		add(sink.RoutingKeyEnv)
	}
	return envs
}
