// Package remote implements callback jobs: the scheduler posts to an ingestion endpoint of
// the service (or a peer) and polls the returned execution until it finishes.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/fx"

	"github.com/tigerroll/tsingest/pkg/ingest/core/application/port"
	"github.com/tigerroll/tsingest/pkg/ingest/core/config"
	model "github.com/tigerroll/tsingest/pkg/ingest/core/domain/model"
	"github.com/tigerroll/tsingest/pkg/ingest/support/util/exception"
	"github.com/tigerroll/tsingest/pkg/ingest/support/util/logger"
)

// CallbackSubmitterParams holds the dependencies injected via DI.
type CallbackSubmitterParams struct {
	fx.In
	Config *config.Config
}

// CallbackSubmitter is the HTTP implementation of port.RemoteJobSubmitter.
type CallbackSubmitter struct {
	baseURL         string
	client          *http.Client
	pollingInterval time.Duration
}

type acceptedResponse struct {
	JobID       string `json:"job_id"`
	ExecutionID string `json:"execution_id"`
	Status      string `json:"status"`
}

// NewCallbackSubmitter creates a submitter for the configured callback URL.
func NewCallbackSubmitter(p CallbackSubmitterParams) port.RemoteJobSubmitter {
	ingest := p.Config.Ingest
	return New(ingest.Scheduler.CallbackURL, config.Seconds(ingest.HTTP.TimeoutSeconds, 30*time.Second), config.Seconds(ingest.Scheduler.PollSeconds, 5*time.Second))
}

// New creates a CallbackSubmitter.
func New(baseURL string, timeout, pollingInterval time.Duration) *CallbackSubmitter {
	return &CallbackSubmitter{
		baseURL:         strings.TrimRight(baseURL, "/"),
		client:          &http.Client{Timeout: timeout},
		pollingInterval: pollingInterval,
	}
}

// Submit posts body to path and expects 202 with an execution id.
func (s *CallbackSubmitter) Submit(ctx context.Context, path string, body []byte) (string, error) {
	const op = "CallbackSubmitter.Submit"
	if s.baseURL == "" {
		return "", exception.NewIngestError(op, "scheduler.callback_url is not configured", nil, true, false)
	}

	logger.Infof("CallbackSubmitter: posting to '%s%s'.", s.baseURL, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return "", exception.NewIngestError(op, "failed to build callback request", err, true, false)
	}
	req.Header.Set("Content-Type", "application/json")

	payload, status, err := s.do(req)
	if err != nil {
		return "", exception.NewIngestError(op, "callback request failed", err, false, true)
	}
	if status != http.StatusAccepted && status != http.StatusOK {
		return "", exception.NewHTTPStatusError(op, status, string(payload))
	}
	var accepted acceptedResponse
	if err := json.Unmarshal(payload, &accepted); err != nil || accepted.ExecutionID == "" {
		return "", exception.NewIngestErrorf(op, "callback response carries no execution_id: %s", string(payload))
	}
	logger.Debugf("CallbackSubmitter: obtained remote execution id '%s'.", accepted.ExecutionID)
	return accepted.ExecutionID, nil
}

// AwaitCompletion polls GET /executions/{id} until the execution is terminal.
func (s *CallbackSubmitter) AwaitCompletion(ctx context.Context, remoteExecutionID string) (*model.Execution, error) {
	const op = "CallbackSubmitter.AwaitCompletion"
	logger.Infof("CallbackSubmitter: waiting for remote execution '%s'. Polling interval: %v", remoteExecutionID, s.pollingInterval)

	ticker := time.NewTicker(s.pollingInterval)
	defer ticker.Stop()

	pollCount := 0
	for {
		select {
		case <-ctx.Done():
			logger.Warnf("CallbackSubmitter: wait for '%s' interrupted: %v", remoteExecutionID, ctx.Err())
			return nil, exception.NewIngestError(op, fmt.Sprintf("wait for remote execution '%s' interrupted", remoteExecutionID), ctx.Err(), false, false)

		case <-ticker.C:
			pollCount++
			exec, err := s.fetch(ctx, remoteExecutionID)
			if err != nil {
				if exception.IsPermanent(err) {
					return nil, err
				}
				logger.Warnf("CallbackSubmitter: poll #%d of '%s' failed, continuing: %v", pollCount, remoteExecutionID, err)
				continue
			}
			if !exec.Status.IsFinished() {
				logger.Debugf("CallbackSubmitter: remote execution '%s' is still %s (poll #%d).", remoteExecutionID, exec.Status, pollCount)
				continue
			}
			logger.Infof("CallbackSubmitter: remote execution '%s' reached %s.", remoteExecutionID, exec.Status)
			if exec.Status != model.ExecutionSuccess {
				return exec, exception.NewIngestErrorf(op, "remote execution '%s' ended as %s: %s", remoteExecutionID, exec.Status, exec.Error)
			}
			return exec, nil
		}
	}
}

func (s *CallbackSubmitter) fetch(ctx context.Context, id string) (*model.Execution, error) {
	const op = "CallbackSubmitter.fetch"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/executions/"+id, nil)
	if err != nil {
		return nil, exception.NewIngestError(op, "failed to build poll request", err, true, false)
	}
	payload, status, err := s.do(req)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, exception.NewHTTPStatusError(op, status, string(payload))
	}
	var exec model.Execution
	if err := json.Unmarshal(payload, &exec); err != nil {
		return nil, errors.Join(fmt.Errorf("malformed execution payload"), err)
	}
	return &exec, nil
}

func (s *CallbackSubmitter) do(req *http.Request) ([]byte, int, error) {
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return payload, resp.StatusCode, nil
}

// Module provides port.RemoteJobSubmitter.
var Module = fx.Options(
	fx.Provide(NewCallbackSubmitter),
)

var _ port.RemoteJobSubmitter = (*CallbackSubmitter)(nil)
