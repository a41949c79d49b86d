package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/tigerroll/tsingest/pkg/ingest/backfill"
	"github.com/tigerroll/tsingest/pkg/ingest/core/application/port"
	"github.com/tigerroll/tsingest/pkg/ingest/core/config"
	model "github.com/tigerroll/tsingest/pkg/ingest/core/domain/model"
	"github.com/tigerroll/tsingest/pkg/ingest/gap"
	"github.com/tigerroll/tsingest/pkg/ingest/source"
)

// JobRunner performs the work of one execution and returns its result summary.
type JobRunner interface {
	Run(ctx context.Context, execution *model.Execution) (string, error)
}

// RunnerFunc adapts a function to JobRunner.
type RunnerFunc func(ctx context.Context, execution *model.Execution) (string, error)

// Run implements JobRunner.
func (f RunnerFunc) Run(ctx context.Context, execution *model.Execution) (string, error) {
	return f(ctx, execution)
}

// RunnerFactory builds the runner of a static job definition.
type RunnerFactory func(def config.JobDefinition) (JobRunner, error)

// Runners builds JobRunners for the four configured job kinds.
type Runners struct {
	registry  *source.Registry
	detector  *gap.Detector
	executor  *backfill.Executor
	submitter port.RemoteJobSubmitter
	tracking  []config.TrackingConfig
}

// NewRunners creates the runner builder.
func NewRunners(registry *source.Registry, detector *gap.Detector, executor *backfill.Executor, submitter port.RemoteJobSubmitter, tracking []config.TrackingConfig) *Runners {
	return &Runners{
		registry:  registry,
		detector:  detector,
		executor:  executor,
		submitter: submitter,
		tracking:  tracking,
	}
}

// Build implements RunnerFactory.
func (r *Runners) Build(def config.JobDefinition) (JobRunner, error) {
	switch model.JobKind(def.Kind) {
	case model.JobKindRefresh:
		if _, err := r.registry.Get(def.Source); err != nil {
			return nil, fmt.Errorf("job '%s': %w", def.ID, err)
		}
		entities := def.Entities
		if len(entities) == 0 {
			entities = r.trackedEntities(def.Source)
		}
		if len(entities) == 0 {
			return nil, fmt.Errorf("job '%s': refresh of '%s' has no entities", def.ID, def.Source)
		}
		return IngestRunner(r.registry, def.Source, source.IngestRequest{EntityKeys: entities}), nil

	case model.JobKindDetectGaps:
		return RunnerFunc(func(ctx context.Context, exec *model.Execution) (string, error) {
			report, err := r.detector.Detect(ctx, exec.ID)
			if report == nil {
				return "", err
			}
			return report.Summary(), err
		}), nil

	case model.JobKindBackfill:
		return RunnerFunc(func(ctx context.Context, exec *model.Execution) (string, error) {
			report, err := r.executor.RunCycle(ctx, exec.ID)
			if report == nil {
				return "", err
			}
			return report.Summary(), err
		}), nil

	case model.JobKindCallback:
		if def.CallbackPath == "" || !strings.HasPrefix(def.CallbackPath, "/") {
			return nil, fmt.Errorf("job '%s': callback_path must start with '/'", def.ID)
		}
		return CallbackRunner(r.submitter, def.CallbackPath, []byte(def.CallbackBody)), nil

	default:
		return nil, fmt.Errorf("job '%s': unknown kind '%s'", def.ID, def.Kind)
	}
}

func (r *Runners) trackedEntities(sourceName string) []string {
	var out []string
	for _, t := range r.tracking {
		if t.Source == sourceName {
			out = append(out, t.Entities...)
		}
	}
	return out
}

// IngestRunner runs one registry batch. The execution fails only when every entity failed.
func IngestRunner(registry *source.Registry, sourceName string, req source.IngestRequest) JobRunner {
	return RunnerFunc(func(ctx context.Context, _ *model.Execution) (string, error) {
		res, err := registry.Ingest(ctx, sourceName, req)
		if err != nil {
			return "", err
		}
		if res.AllFailed() {
			return res.Summary(), res.Err()
		}
		return res.Summary(), nil
	})
}

// CallbackRunner posts body to path on the callback service and waits for the remote
// execution to finish.
func CallbackRunner(submitter port.RemoteJobSubmitter, path string, body []byte) JobRunner {
	return RunnerFunc(func(ctx context.Context, _ *model.Execution) (string, error) {
		remoteID, err := submitter.Submit(ctx, path, body)
		if err != nil {
			return "", err
		}
		remote, err := submitter.AwaitCompletion(ctx, remoteID)
		summary := fmt.Sprintf("remote_execution=%s", remoteID)
		if remote != nil {
			summary += fmt.Sprintf(" status=%s", remote.Status)
			if remote.ResultSummary != "" {
				summary += " " + remote.ResultSummary
			}
		}
		return summary, err
	})
}
