package serviceapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/strategy"

	"opsman/internal/model"
)

// LoopStatusClient is what the status aggregator needs from a sprite
// service.
type LoopStatusClient interface {
	LoopStatus(ctx context.Context, loopID string) (model.RemoteLoopStatus, error)
}

// RemoteLoop talks to a sprite service that hosts loops on behalf of the
// manager. Transient failures are retried per the registry's retry settings;
// client errors (4xx) are never retried.
type RemoteLoop struct {
	baseURL   string
	tokenEnv  string
	attempts  uint
	backoff   time.Duration
	client    *http.Client
	lookupEnv func(string) (string, bool)
}

func NewRemoteLoop(svc model.ServiceConfig, timeout time.Duration) *RemoteLoop {
	baseURL := strings.TrimRight(strings.TrimSpace(svc.BaseURL), "/")
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	attempts := svc.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := svc.RetryBackoffSeconds
	if backoff < 0 {
		backoff = 0
	}
	return &RemoteLoop{
		baseURL:   baseURL,
		tokenEnv:  strings.TrimSpace(svc.TokenEnv),
		attempts:  uint(attempts),
		backoff:   time.Duration(backoff) * time.Second,
		client:    &http.Client{Timeout: timeout},
		lookupEnv: os.LookupEnv,
	}
}

func (r *RemoteLoop) Health(ctx context.Context) error {
	var response struct {
		Status string `json:"status"`
	}
	if err := r.doJSONWithRetry(ctx, http.MethodGet, "/api/v1/health", nil, &response); err != nil {
		return err
	}
	if strings.TrimSpace(strings.ToLower(response.Status)) != "ok" {
		return fmt.Errorf("sprite service health is degraded")
	}
	return nil
}

func (r *RemoteLoop) LoopStatus(ctx context.Context, loopID string) (model.RemoteLoopStatus, error) {
	loopID = strings.TrimSpace(loopID)
	if loopID == "" {
		return model.RemoteLoopStatus{}, fmt.Errorf("loop id is required")
	}
	var response struct {
		Loop model.RemoteLoopStatus `json:"loop"`
	}
	path := "/api/v1/loops/" + url.PathEscape(loopID) + "/status"
	if err := r.doJSONWithRetry(ctx, http.MethodGet, path, nil, &response); err != nil {
		return model.RemoteLoopStatus{}, err
	}
	return response.Loop, nil
}

func (r *RemoteLoop) doJSONWithRetry(ctx context.Context, method string, path string, body any, out any) error {
	var permanent error
	err := retry.Retry(func(_ uint) error {
		status, callErr := r.doJSON(ctx, method, path, body, out)
		if callErr == nil {
			return nil
		}
		if status >= 400 && status < 500 {
			permanent = callErr
			return nil
		}
		return callErr
	}, strategy.Limit(r.attempts), strategy.Wait(r.backoff))
	if permanent != nil {
		return permanent
	}
	return err
}

func (r *RemoteLoop) doJSON(ctx context.Context, method string, path string, body any, out any) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
	if err != nil {
		return 0, err
	}
	request.Header.Set("Accept", "application/json")
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if r.tokenEnv != "" {
		if token, ok := r.lookupEnv(r.tokenEnv); ok && strings.TrimSpace(token) != "" {
			request.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
		}
	}
	response, err := r.client.Do(request)
	if err != nil {
		return 0, err
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(response.Body, 4096))
		return response.StatusCode, decodeRemoteError(response.StatusCode, payload)
	}
	if out == nil {
		return response.StatusCode, nil
	}
	return response.StatusCode, json.NewDecoder(response.Body).Decode(out)
}

func decodeRemoteError(status int, payload []byte) error {
	var wrapper struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(payload, &wrapper); err == nil && strings.TrimSpace(wrapper.Error.Code) != "" {
		return fmt.Errorf("%s (http %d): %s", wrapper.Error.Code, status, strings.TrimSpace(wrapper.Error.Message))
	}
	return fmt.Errorf("http %d: %s", status, strings.TrimSpace(string(payload)))
}
