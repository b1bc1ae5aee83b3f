package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"bookscan/internal/models"

	"golang.org/x/sync/semaphore"
)

// RemoteStage calls an HTTP endpoint that performs one pipeline stage. The endpoint
// receives the StageInput as JSON and answers with the stage output payload.
type RemoteStage struct {
	name     string
	endpoint string
	client   *http.Client
	sem      *semaphore.Weighted
}

// NewRemoteStage limits in-flight requests to maxConcurrent (unbounded when <= 0).
func NewRemoteStage(name, endpoint string, timeout time.Duration, maxConcurrent int) *RemoteStage {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	s := &RemoteStage{name: name, endpoint: endpoint, client: &http.Client{Timeout: timeout}}
	if maxConcurrent > 0 {
		s.sem = semaphore.NewWeighted(int64(maxConcurrent))
	}
	return s
}

func (s *RemoteStage) Name() string { return s.name }

func (s *RemoteStage) Process(ctx context.Context, in StageInput) (json.RawMessage, error) {
	if s.sem != nil {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return nil, models.Transient(s.name, err)
		}
		defer s.sem.Release(1)
	}
	var out json.RawMessage
	if err := postJSON(ctx, s.client, s.endpoint, in, &out); err != nil {
		return nil, wrapHTTPError(s.name, err)
	}
	return out, nil
}

// RemoteAssembler delegates document assembly to an HTTP endpoint.
type RemoteAssembler struct {
	endpoint string
	client   *http.Client
}

func NewRemoteAssembler(endpoint string, timeout time.Duration) *RemoteAssembler {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &RemoteAssembler{endpoint: endpoint, client: &http.Client{Timeout: timeout}}
}

func (a *RemoteAssembler) Assemble(ctx context.Context, req AssembleRequest) (string, error) {
	var resp struct {
		OutputKey string `json:"output_key"`
	}
	if err := postJSON(ctx, a.client, a.endpoint, req, &resp); err != nil {
		return "", wrapHTTPError("assemble", err)
	}
	if resp.OutputKey == "" {
		return "", fmt.Errorf("assembler response has no output_key")
	}
	return resp.OutputKey, nil
}

// statusError is a non-2xx response.
type statusError struct {
	Code int
	Body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Code, e.Body)
}

func postJSON(ctx context.Context, client *http.Client, endpoint string, body, dest interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &statusError{Code: resp.StatusCode, Body: models.TruncateError(string(data))}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// wrapHTTPError treats client errors other than 408 and 429 as permanent.
func wrapHTTPError(op string, err error) error {
	if se, ok := err.(*statusError); ok && se.Code >= 400 && se.Code < 500 &&
		se.Code != http.StatusRequestTimeout && se.Code != http.StatusTooManyRequests {
		return models.Permanent(op, err)
	}
	return models.Transient(op, err)
}
