package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"opsman/internal/alertbus"
	"opsman/internal/alerting"
	"opsman/internal/config"
	"opsman/internal/gates"
	"opsman/internal/intent"
	"opsman/internal/model"
	"opsman/internal/packet"
	"opsman/internal/reconcile"
	"opsman/internal/registry"
	"opsman/internal/snapshot"
	"opsman/internal/status"
	"opsman/internal/store"
)

type multiValueFlag []string

func (f *multiValueFlag) String() string {
	return strings.Join(*f, ",")
}

func (f *multiValueFlag) Set(value string) error {
	*f = append(*f, value)
	return nil
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	var err error
	switch command {
	case "snapshot":
		err = snapshotCommand(args)
	case "reconcile":
		err = reconcileCommand(args)
	case "wait":
		err = waitCommand(args)
	case "packet":
		err = packetCommand(args)
	case "alerts":
		err = alertsCommand(args)
	case "registry":
		err = registryCommand(args)
	case "status":
		err = statusCommand(args)
	case "gate":
		err = gateCommand(args)
	case "config-init":
		err = configInitCommand(args)
	case "help", "--help", "-h":
		printUsage()
	default:
		err = fmt.Errorf("unknown command %q", command)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type commonFlags struct {
	configPath   string
	evidenceRoot string
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "Path to config file (defaults to .opsman/config.json)")
	fs.StringVar(&c.evidenceRoot, "evidence-root", "", "Evidence root directory (overrides config)")
}

func (c *commonFlags) load() (config.Config, *store.EvidenceStore, error) {
	cfg, _, err := config.Load(c.configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	root := strings.TrimSpace(c.evidenceRoot)
	if root == "" {
		root = cfg.Evidence.Root
	}
	return cfg, &store.EvidenceStore{Root: root}, nil
}

func printJSON(doc any) error {
	encoded, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(encoded))
	return nil
}

func snapshotCommand(args []string) error {
	fs := flag.NewFlagSet("snapshot", flag.ContinueOnError)
	var common commonFlags
	var loopID string
	var runID string
	common.register(fs)
	fs.StringVar(&loopID, "loop", "", "Loop identifier (required)")
	fs.StringVar(&runID, "run-id", "", "Run identifier override (optional)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(loopID) == "" {
		return fmt.Errorf("--loop is required")
	}

	_, st, err := common.load()
	if err != nil {
		return err
	}
	snap, err := snapshot.Build(st, loopID, runID)
	if err != nil {
		return err
	}
	return printJSON(snap)
}

func reconcileCommand(args []string) error {
	fs := flag.NewFlagSet("reconcile", flag.ContinueOnError)
	var common commonFlags
	var loopID string
	var runID string
	var eventJSON string
	common.register(fs)
	fs.StringVar(&loopID, "loop", "", "Loop identifier (required)")
	fs.StringVar(&runID, "run-id", "", "Run identifier override (optional)")
	fs.StringVar(&eventJSON, "event-json", "", "New event record to fold in, as JSON (optional)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(loopID) == "" {
		return fmt.Errorf("--loop is required")
	}

	var newEvent *model.EventRecord
	if strings.TrimSpace(eventJSON) != "" {
		var record model.EventRecord
		if err := json.Unmarshal([]byte(eventJSON), &record); err != nil {
			return fmt.Errorf("parse --event-json: %w", err)
		}
		newEvent = &record
	}

	_, st, err := common.load()
	if err != nil {
		return err
	}
	projected, err := reconcile.Apply(st, loopID, runID, newEvent)
	if err != nil {
		return err
	}
	return printJSON(projected)
}

func waitCommand(args []string) error {
	fs := flag.NewFlagSet("wait", flag.ContinueOnError)
	var common commonFlags
	var loopID string
	var intentName string
	var timeoutSeconds int
	var intervalSeconds int
	common.register(fs)
	fs.StringVar(&loopID, "loop", "", "Loop identifier (required)")
	fs.StringVar(&intentName, "intent", "", "Intent to confirm: cancel|approve|reject (required)")
	fs.IntVar(&timeoutSeconds, "timeout", 0, "Overall timeout in seconds (default from config)")
	fs.IntVar(&intervalSeconds, "interval", 0, "Poll interval in seconds (default from config)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(loopID) == "" {
		return fmt.Errorf("--loop is required")
	}

	cfg, st, err := common.load()
	if err != nil {
		return err
	}
	if timeoutSeconds <= 0 {
		timeoutSeconds = cfg.Intent.TimeoutSeconds
	}
	if intervalSeconds <= 0 {
		intervalSeconds = cfg.Intent.IntervalSeconds
	}

	waiter := intent.NewWaiter(st)
	confirmation, err := waiter.Wait(context.Background(), intent.Options{
		LoopID:          loopID,
		Intent:          model.IntentKind(strings.TrimSpace(intentName)),
		TimeoutSeconds:  timeoutSeconds,
		IntervalSeconds: intervalSeconds,
	})
	if err != nil {
		return err
	}
	if err := printJSON(confirmation); err != nil {
		return err
	}
	if !confirmation.Confirmed {
		return fmt.Errorf("intent %s not confirmed for loop %s: %s", confirmation.Intent, loopID, confirmation.Reason)
	}
	return nil
}

func packetCommand(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("packet subcommand is required: create|transition|show|list")
	}
	switch args[0] {
	case "create":
		return packetCreateCommand(args[1:])
	case "transition":
		return packetTransitionCommand(args[1:])
	case "show":
		return packetShowCommand(args[1:])
	case "list":
		return packetListCommand(args[1:])
	default:
		return fmt.Errorf("unknown packet subcommand %q", args[0])
	}
}

func packetCreateCommand(args []string) error {
	fs := flag.NewFlagSet("packet create", flag.ContinueOnError)
	var common commonFlags
	var packetID, horizonRef, sender, recipientType, recipientID string
	var intentName, loopID, authority, traceID string
	var ttlSeconds int
	var evidenceRefs multiValueFlag
	common.register(fs)
	fs.StringVar(&packetID, "id", "", "Packet identifier (generated when empty)")
	fs.StringVar(&horizonRef, "horizon", "", "Horizon reference (required)")
	fs.StringVar(&sender, "sender", "", "Sending role (required)")
	fs.StringVar(&recipientType, "recipient-type", "", "Recipient type (default horizon)")
	fs.StringVar(&recipientID, "recipient", "", "Recipient identifier (required)")
	fs.StringVar(&intentName, "intent", "", "Packet intent (required)")
	fs.StringVar(&loopID, "loop", "", "Associated loop identifier (optional)")
	fs.StringVar(&authority, "authority", "", "Authority granted to the recipient (optional)")
	fs.StringVar(&traceID, "trace-id", "", "Trace identifier (defaults to env or generated)")
	fs.IntVar(&ttlSeconds, "ttl", -1, "Time to live in seconds (optional, 0 allowed)")
	fs.Var(&evidenceRefs, "evidence-ref", "Evidence reference path (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	_, st, err := common.load()
	if err != nil {
		return err
	}
	opts := packet.CreateOptions{
		PacketID:      packetID,
		HorizonRef:    horizonRef,
		Sender:        sender,
		RecipientType: recipientType,
		RecipientID:   recipientID,
		Intent:        intentName,
		LoopID:        loopID,
		Authority:     authority,
		TraceID:       traceID,
		EvidenceRefs:  evidenceRefs,
	}
	if ttlSeconds >= 0 {
		opts.TTLSeconds = &ttlSeconds
	}
	pkt, err := packet.NewService(st).Create(opts)
	if err != nil {
		return err
	}
	return printJSON(pkt)
}

func packetTransitionCommand(args []string) error {
	fs := flag.NewFlagSet("packet transition", flag.ContinueOnError)
	var common commonFlags
	var packetID, toStatus, by, reason, note string
	var evidenceRefs multiValueFlag
	common.register(fs)
	fs.StringVar(&packetID, "id", "", "Packet identifier (required)")
	fs.StringVar(&toStatus, "to", "", "Target status (required)")
	fs.StringVar(&by, "by", "", "Acting role (optional)")
	fs.StringVar(&reason, "reason", "", "Transition reason (optional)")
	fs.StringVar(&note, "note", "", "Free-form note (optional)")
	fs.Var(&evidenceRefs, "evidence-ref", "Evidence reference path (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(packetID) == "" {
		return fmt.Errorf("--id is required")
	}
	if strings.TrimSpace(toStatus) == "" {
		return fmt.Errorf("--to is required")
	}

	_, st, err := common.load()
	if err != nil {
		return err
	}
	pkt, err := packet.NewService(st).Transition(packet.TransitionOptions{
		PacketID:     packetID,
		ToStatus:     model.PacketStatus(strings.TrimSpace(toStatus)),
		By:           by,
		Reason:       reason,
		Note:         note,
		EvidenceRefs: evidenceRefs,
	})
	if err != nil {
		return err
	}
	return printJSON(pkt)
}

func packetShowCommand(args []string) error {
	fs := flag.NewFlagSet("packet show", flag.ContinueOnError)
	var common commonFlags
	var packetID string
	common.register(fs)
	fs.StringVar(&packetID, "id", "", "Packet identifier (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(packetID) == "" {
		return fmt.Errorf("--id is required")
	}

	_, st, err := common.load()
	if err != nil {
		return err
	}
	pkt, err := packet.NewService(st).Get(packetID)
	if err != nil {
		return err
	}
	return printJSON(pkt)
}

func packetListCommand(args []string) error {
	fs := flag.NewFlagSet("packet list", flag.ContinueOnError)
	var common commonFlags
	var statusFilter string
	common.register(fs)
	fs.StringVar(&statusFilter, "status", "", "Filter by packet status (optional)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	_, st, err := common.load()
	if err != nil {
		return err
	}
	packets, err := packet.NewService(st).List()
	if err != nil {
		return err
	}
	if filter := model.PacketStatus(strings.TrimSpace(statusFilter)); filter != "" {
		if !model.IsPacketStatus(filter) {
			return fmt.Errorf("unknown packet status %q", filter)
		}
		filtered := packets[:0]
		for _, pkt := range packets {
			if pkt.Status == filter {
				filtered = append(filtered, pkt)
			}
		}
		packets = filtered
	}
	return printJSON(packets)
}

func alertsCommand(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("alerts subcommand is required: resolve|escalate|process")
	}
	switch args[0] {
	case "resolve":
		return alertsResolveCommand(args[1:])
	case "escalate":
		return alertsEscalateCommand(args[1:])
	case "process":
		return alertsProcessCommand(args[1:])
	default:
		return fmt.Errorf("unknown alerts subcommand %q", args[0])
	}
}

func resolveAlert(common commonFlags, category string, severity string, failOpen bool) (config.Config, *store.EvidenceStore, model.AlertResolution, error) {
	cfg, st, err := common.load()
	if err != nil {
		return config.Config{}, nil, model.AlertResolution{}, err
	}
	sinkConfig, err := alerting.Load(cfg.AlertConfigPath())
	if err != nil {
		return config.Config{}, nil, model.AlertResolution{}, err
	}
	resolver := alerting.NewResolver()
	resolver.FailOpen = failOpen || cfg.Alerting.FailOpen
	resolution, err := resolver.Resolve(sinkConfig, category, model.Severity(strings.TrimSpace(severity)))
	if err != nil {
		return config.Config{}, nil, model.AlertResolution{}, err
	}
	return cfg, st, resolution, nil
}

func alertsResolveCommand(args []string) error {
	fs := flag.NewFlagSet("alerts resolve", flag.ContinueOnError)
	var common commonFlags
	var category, severity string
	var failOpen bool
	common.register(fs)
	fs.StringVar(&category, "category", "", "Alert category (required)")
	fs.StringVar(&severity, "severity", "", "Severity override: info|warning|critical (optional)")
	fs.BoolVar(&failOpen, "fail-open", false, "Allow resolution when secrets are missing")
	if err := fs.Parse(args); err != nil {
		return err
	}

	_, _, resolution, err := resolveAlert(common, category, severity, failOpen)
	if err != nil {
		return err
	}
	return printJSON(resolution)
}

// checkEscalatable rejects escalation when the resolution is below the
// dispatch threshold or leaves no enabled sink to deliver to.
func checkEscalatable(resolution model.AlertResolution) error {
	if !resolution.ShouldDispatch {
		return fmt.Errorf("alert %s at severity %s does not reach the %s threshold", resolution.Category, resolution.EventSeverity, resolution.MinSeverity)
	}
	if len(resolution.DispatchableSinks) == 0 {
		return fmt.Errorf("alert %s has no enabled sink to dispatch to", resolution.Category)
	}
	return nil
}

func alertsEscalateCommand(args []string) error {
	fs := flag.NewFlagSet("alerts escalate", flag.ContinueOnError)
	var common commonFlags
	var category, severity, message, loopID string
	var failOpen bool
	common.register(fs)
	fs.StringVar(&category, "category", "", "Alert category (required)")
	fs.StringVar(&severity, "severity", "", "Severity override: info|warning|critical (optional)")
	fs.StringVar(&message, "message", "", "Human-readable escalation message (optional)")
	fs.StringVar(&loopID, "loop", "", "Associated loop identifier (optional)")
	fs.BoolVar(&failOpen, "fail-open", false, "Allow escalation when secrets are missing")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, st, resolution, err := resolveAlert(common, category, severity, failOpen)
	if err != nil {
		return err
	}
	if err := checkEscalatable(resolution); err != nil {
		return err
	}

	bus := alertbus.NewRuntime(st, cfg)
	messageID, err := bus.Enqueue(category, map[string]any{
		"resolution": resolution,
		"message":    strings.TrimSpace(message),
		"loop_id":    strings.TrimSpace(loopID),
	})
	if err != nil {
		return err
	}
	fmt.Printf("Escalation enqueued: %s\n", messageID)
	return nil
}

func alertsProcessCommand(args []string) error {
	fs := flag.NewFlagSet("alerts process", flag.ContinueOnError)
	var common commonFlags
	var limit int
	var retryFailed bool
	common.register(fs)
	fs.IntVar(&limit, "limit", 50, "Maximum escalations to publish")
	fs.BoolVar(&retryFailed, "retry-failed", false, "Requeue failed escalations before publishing")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, st, err := common.load()
	if err != nil {
		return err
	}
	bus := alertbus.NewRuntime(st, cfg)
	ctx := context.Background()
	if err := bus.Start(ctx); err != nil {
		return err
	}
	defer bus.Stop()

	if retryFailed {
		requeued, err := bus.RetryFailed()
		if err != nil {
			return err
		}
		fmt.Printf("Escalations requeued: %d\n", requeued)
	}
	processed, err := bus.ProcessOnce(ctx, limit)
	if err != nil {
		return err
	}
	fmt.Printf("Escalations processed: %d\n", processed)
	return nil
}

func registryCommand(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("registry subcommand is required: validate")
	}
	switch args[0] {
	case "validate":
		return registryValidateCommand(args[1:])
	default:
		return fmt.Errorf("unknown registry subcommand %q", args[0])
	}
}

func registryValidateCommand(args []string) error {
	fs := flag.NewFlagSet("registry validate", flag.ContinueOnError)
	var common commonFlags
	var path, loopID string
	common.register(fs)
	fs.StringVar(&path, "path", "", "Registry path (defaults from config)")
	fs.StringVar(&loopID, "loop", "", "Filter to one loop identifier (optional)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, _, err := common.load()
	if err != nil {
		return err
	}
	if strings.TrimSpace(path) == "" {
		path = cfg.RegistryPath()
	}
	reg, err := registry.Load(path)
	if err != nil {
		return err
	}
	if strings.TrimSpace(loopID) != "" {
		reg, err = registry.Filter(reg, loopID)
		if err != nil {
			return err
		}
	}
	return printJSON(reg)
}

func statusCommand(args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	var common commonFlags
	var registryPath string
	var loopID string
	common.register(fs)
	fs.StringVar(&registryPath, "registry", "", "Registry path (defaults from config)")
	fs.StringVar(&loopID, "loop", "", "Restrict to one loop identifier (optional)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, st, err := common.load()
	if err != nil {
		return err
	}
	if strings.TrimSpace(registryPath) == "" {
		registryPath = cfg.RegistryPath()
	}
	reg, err := registry.Load(registryPath)
	if err != nil {
		return err
	}
	if strings.TrimSpace(loopID) != "" {
		reg, err = registry.Filter(reg, loopID)
		if err != nil {
			return err
		}
	}
	fleet, err := status.NewAggregator(st, cfg).Aggregate(context.Background(), reg)
	if err != nil {
		return err
	}
	return printJSON(fleet)
}

func gateCommand(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("gate subcommand is required: promote|telemetry")
	}
	switch args[0] {
	case "promote", "telemetry":
		return gateRunCommand(args[0], args[1:])
	default:
		return fmt.Errorf("unknown gate subcommand %q", args[0])
	}
}

func gateRunCommand(kind string, args []string) error {
	fs := flag.NewFlagSet("gate "+kind, flag.ContinueOnError)
	var common commonFlags
	var thresholdFlags multiValueFlag
	var evidencePaths multiValueFlag
	var evaluatorBin string
	var timeoutSeconds int
	common.register(fs)
	fs.Var(&thresholdFlags, "threshold", "Named threshold as key=value (repeatable)")
	fs.Var(&evidencePaths, "evidence", "Evidence file path (repeatable)")
	fs.StringVar(&evaluatorBin, "evaluator", "", "Evaluator binary (overrides config)")
	fs.IntVar(&timeoutSeconds, "timeout", 60, "Evaluator timeout in seconds")
	if err := fs.Parse(args); err != nil {
		return err
	}

	thresholds, err := parseThresholds(thresholdFlags)
	if err != nil {
		return err
	}
	cfg, _, err := common.load()
	if err != nil {
		return err
	}
	if bin := strings.TrimSpace(evaluatorBin); bin != "" {
		if kind == "promote" {
			cfg.Gates.PromotionEvaluatorBin = bin
		} else {
			cfg.Gates.TelemetrySummaryBin = bin
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutSeconds)*time.Second)
	defer cancel()

	var decision gates.Decision
	if kind == "promote" {
		decision, err = gates.EvaluatePromotion(ctx, cfg, thresholds, evidencePaths)
	} else {
		decision, err = gates.SummarizeTelemetry(ctx, cfg, thresholds, evidencePaths)
	}
	if err != nil {
		return err
	}
	return printJSON(decision)
}

func parseThresholds(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	thresholds := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !found || key == "" {
			return nil, fmt.Errorf("threshold %q must be key=value", pair)
		}
		thresholds[key] = strings.TrimSpace(value)
	}
	return thresholds, nil
}

func configInitCommand(args []string) error {
	fs := flag.NewFlagSet("config-init", flag.ContinueOnError)
	var path string
	fs.StringVar(&path, "path", config.DefaultConfigPath, "Where to write the default config")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := config.SaveDefault(path); err != nil {
		return err
	}
	fmt.Printf("Wrote default config to %s\n", path)
	return nil
}

func printUsage() {
	fmt.Println(`opsman - supervise autonomous agent loops through filesystem evidence

Usage:
  opsman snapshot --loop <id> [--run-id <id>]        Build a run snapshot from evidence
  opsman reconcile --loop <id> [--run-id <id>]       Reconcile and persist projected state
  opsman wait --loop <id> --intent <kind>            Wait for cancel|approve|reject confirmation
  opsman packet create|transition|show|list          Manage cross-horizon packets
  opsman alerts resolve|escalate|process             Resolve routing and drive escalations
  opsman registry validate [--loop <id>]             Validate and normalize the fleet registry
  opsman status                                      Aggregate fleet status
  opsman gate promote|telemetry                      Run an external gate evaluator
  opsman config-init [--path <file>]                 Write the default config file

Common flags:
  --config <file>          Config file path (default .opsman/config.json)
  --evidence-root <dir>    Evidence root directory (overrides config)`)
}
