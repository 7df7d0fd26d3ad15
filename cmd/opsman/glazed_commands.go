package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"
)

func appendStringFlag(args []string, name string, value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return args
	}
	return append(args, "--"+name, value)
}

func appendIntFlag(args []string, name string, value int, defaultValue int) []string {
	if value == defaultValue {
		return args
	}
	return append(args, fmt.Sprintf("--%s=%d", name, value))
}

func commonParameterDefinitions() []*parameters.ParameterDefinition {
	return []*parameters.ParameterDefinition{
		parameters.NewParameterDefinition("config", parameters.ParameterTypeString, parameters.WithHelp("Path to config file (defaults to .opsman/config.json)"), parameters.WithDefault("")),
		parameters.NewParameterDefinition("evidence-root", parameters.ParameterTypeString, parameters.WithHelp("Evidence root directory (overrides config)"), parameters.WithDefault("")),
	}
}

type snapshotGlazedCommand struct {
	*cmds.CommandDescription
}

type snapshotSettings struct {
	Config       string `glazed.parameter:"config"`
	EvidenceRoot string `glazed.parameter:"evidence-root"`
	Loop         string `glazed.parameter:"loop"`
	RunID        string `glazed.parameter:"run-id"`
}

func newSnapshotGlazedCommand() (*snapshotGlazedCommand, error) {
	desc := cmds.NewCommandDescription(
		"snapshot",
		cmds.WithShort("Build a run snapshot from evidence"),
		cmds.WithLong("Read a loop's evidence files and derive its current status snapshot."),
		cmds.WithFlags(append(commonParameterDefinitions(),
			parameters.NewParameterDefinition("loop", parameters.ParameterTypeString, parameters.WithHelp("Loop identifier"), parameters.WithDefault("")),
			parameters.NewParameterDefinition("run-id", parameters.ParameterTypeString, parameters.WithHelp("Run identifier override"), parameters.WithDefault("")),
		)...),
	)
	return &snapshotGlazedCommand{CommandDescription: desc}, nil
}

func (c *snapshotGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	_ = ctx
	settings := &snapshotSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	args := appendStringFlag([]string{}, "config", settings.Config)
	args = appendStringFlag(args, "evidence-root", settings.EvidenceRoot)
	args = appendStringFlag(args, "loop", settings.Loop)
	args = appendStringFlag(args, "run-id", settings.RunID)
	return snapshotCommand(args)
}

var _ cmds.BareCommand = &snapshotGlazedCommand{}

type reconcileGlazedCommand struct {
	*cmds.CommandDescription
}

type reconcileSettings struct {
	Config       string `glazed.parameter:"config"`
	EvidenceRoot string `glazed.parameter:"evidence-root"`
	Loop         string `glazed.parameter:"loop"`
	RunID        string `glazed.parameter:"run-id"`
	EventJSON    string `glazed.parameter:"event-json"`
}

func newReconcileGlazedCommand() (*reconcileGlazedCommand, error) {
	desc := cmds.NewCommandDescription(
		"reconcile",
		cmds.WithShort("Reconcile and persist projected state"),
		cmds.WithLong("Compare fresh evidence against the persisted projection, flag divergence, and write the updated projected state."),
		cmds.WithFlags(append(commonParameterDefinitions(),
			parameters.NewParameterDefinition("loop", parameters.ParameterTypeString, parameters.WithHelp("Loop identifier"), parameters.WithDefault("")),
			parameters.NewParameterDefinition("run-id", parameters.ParameterTypeString, parameters.WithHelp("Run identifier override"), parameters.WithDefault("")),
			parameters.NewParameterDefinition("event-json", parameters.ParameterTypeString, parameters.WithHelp("New event record to fold in, as JSON"), parameters.WithDefault("")),
		)...),
	)
	return &reconcileGlazedCommand{CommandDescription: desc}, nil
}

func (c *reconcileGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	_ = ctx
	settings := &reconcileSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	args := appendStringFlag([]string{}, "config", settings.Config)
	args = appendStringFlag(args, "evidence-root", settings.EvidenceRoot)
	args = appendStringFlag(args, "loop", settings.Loop)
	args = appendStringFlag(args, "run-id", settings.RunID)
	args = appendStringFlag(args, "event-json", settings.EventJSON)
	return reconcileCommand(args)
}

var _ cmds.BareCommand = &reconcileGlazedCommand{}

type waitGlazedCommand struct {
	*cmds.CommandDescription
}

type waitSettings struct {
	Config       string `glazed.parameter:"config"`
	EvidenceRoot string `glazed.parameter:"evidence-root"`
	Loop         string `glazed.parameter:"loop"`
	Intent       string `glazed.parameter:"intent"`
	Timeout      int    `glazed.parameter:"timeout"`
	Interval     int    `glazed.parameter:"interval"`
}

func newWaitGlazedCommand() (*waitGlazedCommand, error) {
	desc := cmds.NewCommandDescription(
		"wait",
		cmds.WithShort("Wait for an intent confirmation"),
		cmds.WithLong("Poll a loop's evidence until a cancel, approve, or reject intent is observable or the timeout elapses."),
		cmds.WithFlags(append(commonParameterDefinitions(),
			parameters.NewParameterDefinition("loop", parameters.ParameterTypeString, parameters.WithHelp("Loop identifier"), parameters.WithDefault("")),
			parameters.NewParameterDefinition("intent", parameters.ParameterTypeString, parameters.WithHelp("Intent to confirm: cancel|approve|reject"), parameters.WithDefault("")),
			parameters.NewParameterDefinition("timeout", parameters.ParameterTypeInteger, parameters.WithHelp("Overall timeout in seconds (default from config)"), parameters.WithDefault(0)),
			parameters.NewParameterDefinition("interval", parameters.ParameterTypeInteger, parameters.WithHelp("Poll interval in seconds (default from config)"), parameters.WithDefault(0)),
		)...),
	)
	return &waitGlazedCommand{CommandDescription: desc}, nil
}

func (c *waitGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	_ = ctx
	settings := &waitSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	args := appendStringFlag([]string{}, "config", settings.Config)
	args = appendStringFlag(args, "evidence-root", settings.EvidenceRoot)
	args = appendStringFlag(args, "loop", settings.Loop)
	args = appendStringFlag(args, "intent", settings.Intent)
	args = appendIntFlag(args, "timeout", settings.Timeout, 0)
	args = appendIntFlag(args, "interval", settings.Interval, 0)
	return waitCommand(args)
}

var _ cmds.BareCommand = &waitGlazedCommand{}

type statusGlazedCommand struct {
	*cmds.CommandDescription
}

type statusSettings struct {
	Config       string `glazed.parameter:"config"`
	EvidenceRoot string `glazed.parameter:"evidence-root"`
	Registry     string `glazed.parameter:"registry"`
	Loop         string `glazed.parameter:"loop"`
}

func newStatusGlazedCommand() (*statusGlazedCommand, error) {
	desc := cmds.NewCommandDescription(
		"status",
		cmds.WithShort("Aggregate fleet status"),
		cmds.WithLong("Assemble the fleet status view from local evidence, sprite services, packets, and the escalation outbox."),
		cmds.WithFlags(append(commonParameterDefinitions(),
			parameters.NewParameterDefinition("registry", parameters.ParameterTypeString, parameters.WithHelp("Registry path (defaults from config)"), parameters.WithDefault("")),
			parameters.NewParameterDefinition("loop", parameters.ParameterTypeString, parameters.WithHelp("Restrict to one loop identifier"), parameters.WithDefault("")),
		)...),
	)
	return &statusGlazedCommand{CommandDescription: desc}, nil
}

func (c *statusGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	_ = ctx
	settings := &statusSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	args := appendStringFlag([]string{}, "config", settings.Config)
	args = appendStringFlag(args, "evidence-root", settings.EvidenceRoot)
	args = appendStringFlag(args, "registry", settings.Registry)
	args = appendStringFlag(args, "loop", settings.Loop)
	return statusCommand(args)
}

var _ cmds.BareCommand = &statusGlazedCommand{}

type configInitGlazedCommand struct {
	*cmds.CommandDescription
}

type configInitSettings struct {
	Path string `glazed.parameter:"path"`
}

func newConfigInitGlazedCommand() (*configInitGlazedCommand, error) {
	desc := cmds.NewCommandDescription(
		"config-init",
		cmds.WithShort("Write the default config file"),
		cmds.WithFlags(
			parameters.NewParameterDefinition("path", parameters.ParameterTypeString, parameters.WithHelp("Where to write the default config"), parameters.WithDefault("")),
		),
	)
	return &configInitGlazedCommand{CommandDescription: desc}, nil
}

func (c *configInitGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	_ = ctx
	settings := &configInitSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	args := appendStringFlag([]string{}, "path", settings.Path)
	return configInitCommand(args)
}

var _ cmds.BareCommand = &configInitGlazedCommand{}
