package gates

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"
	"strings"

	"opsman/internal/config"
)

// Decision is the document a gate evaluator prints on stdout. Evaluators are
// external black boxes; only the summary shape is contracted.
type Decision struct {
	Summary Summary `json:"summary"`
}

type Summary struct {
	Decision    string   `json:"decision"`
	ReasonCodes []string `json:"reasonCodes"`
	FailedGates []string `json:"failedGates"`
}

type Invocation struct {
	Binary        string
	Thresholds    map[string]string
	EvidencePaths []string
}

// Run executes an evaluator and decodes its stdout. A parsable decision wins
// even when the process exits non-zero; an unparsable one surfaces the exec
// error plus a stderr excerpt.
func Run(ctx context.Context, inv Invocation) (Decision, error) {
	binary := strings.TrimSpace(inv.Binary)
	if binary == "" {
		return Decision{}, fmt.Errorf("gate evaluator binary is required")
	}

	args := make([]string, 0, 2*(len(inv.Thresholds)+len(inv.EvidencePaths)))
	keys := make([]string, 0, len(inv.Thresholds))
	for key := range inv.Thresholds {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		args = append(args, "--threshold", key+"="+inv.Thresholds[key])
	}
	for _, path := range inv.EvidencePaths {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		args = append(args, "--evidence", path)
	}

	cmd := exec.CommandContext(ctx, binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()

	var decision Decision
	if err := json.Unmarshal(stdout.Bytes(), &decision); err == nil && strings.TrimSpace(decision.Summary.Decision) != "" {
		return decision, nil
	}
	if runErr != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = strings.TrimSpace(stdout.String())
		}
		return Decision{}, fmt.Errorf("gate evaluator %s: %w: %s", binary, runErr, detail)
	}
	return Decision{}, fmt.Errorf("gate evaluator %s produced no parsable decision: %s", binary, strings.TrimSpace(stdout.String()))
}

// EvaluatePromotion runs the configured promotion-gate evaluator.
func EvaluatePromotion(ctx context.Context, cfg config.Config, thresholds map[string]string, evidencePaths []string) (Decision, error) {
	return Run(ctx, Invocation{
		Binary:        cfg.Gates.PromotionEvaluatorBin,
		Thresholds:    thresholds,
		EvidencePaths: evidencePaths,
	})
}

// SummarizeTelemetry runs the configured telemetry-summary aggregator.
func SummarizeTelemetry(ctx context.Context, cfg config.Config, thresholds map[string]string, evidencePaths []string) (Decision, error) {
	return Run(ctx, Invocation{
		Binary:        cfg.Gates.TelemetrySummaryBin,
		Thresholds:    thresholds,
		EvidencePaths: evidencePaths,
	})
}
