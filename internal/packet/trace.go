package packet

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	mrand "math/rand"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

const traceEnvVar = "OPSMAN_TRACE_ID"

// resolveTraceID picks the trace id for a packet. Fallback order: explicit
// value, environment default, generated token. Generation itself degrades
// from a proper UUID down to a timestamp/pid composite so that a trace id is
// always assigned, even on a box with a broken random source.
func resolveTraceID(explicit string, lookupEnv func(string) (string, bool)) string {
	if v := strings.TrimSpace(explicit); v != "" {
		return v
	}
	if lookupEnv != nil {
		if v, ok := lookupEnv(traceEnvVar); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return generateTraceID()
}

func generateTraceID() string {
	if id, err := uuid.NewRandom(); err == nil {
		return id.String()
	}
	if raw, err := os.ReadFile("/proc/sys/kernel/random/uuid"); err == nil {
		if v := strings.TrimSpace(string(raw)); v != "" {
			return v
		}
	}
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err == nil {
		return hex.EncodeToString(buf)
	}
	return fmt.Sprintf("trace-%d-%d-%d", time.Now().UnixNano(), os.Getpid(), mrand.Int63())
}
