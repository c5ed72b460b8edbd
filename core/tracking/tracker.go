package tracking

import (
	"context"
	"time"

	"github.com/cordum/stagehand/core/anomaly"
	"github.com/cordum/stagehand/core/infra/logging"
	"github.com/cordum/stagehand/core/manifest"
	"github.com/cordum/stagehand/core/workflow"
)

// tracker carries the manifest state of one run. Hooks are invoked from the engine's dispatching
// goroutine, so completed and rows need no locking.
type tracker struct {
	runner    *Runner
	wf        *workflow.Workflow
	domain    string
	key       string
	partition map[string]any
	runID     string
	dryRun    bool

	completed []string
	rows      int64
}

// seed carries the steps completed by earlier runs into this run's bookkeeping.
func (t *tracker) seed(done []string, records map[string]manifest.StepRecord) {
	for _, name := range done {
		t.completed = append(t.completed, name)
		t.rows += records[name].RowCount
	}
}

func (t *tracker) onStepFinished(ctx context.Context, ps workflow.PlannedStep, exec workflow.StepExecution, rc workflow.RunContext) {
	name := ps.Step.Name
	switch exec.Status {
	case workflow.StepStatusCompleted:
		t.completed = append(t.completed, name)
		var rowCount int64
		if exec.Result != nil {
			rowCount = exec.Result.RecordCount()
		}
		t.rows += rowCount
		if t.dryRun {
			return
		}
		output, _ := rc.Output(name)
		rec := manifest.StepRecord{
			Step:        name,
			Stage:       manifest.StepStage(name),
			RowCount:    rowCount,
			ExecutionID: t.runID,
			Duration:    exec.Duration,
			Output:      output,
		}
		if err := t.runner.manifest.RecordStep(context.WithoutCancel(ctx), t.domain, t.key, rec); err != nil {
			logging.Error(component, "record step checkpoint", "run_id", t.runID, "step", name, "error", err)
		}
		t.advance(ctx, rec.Stage, manifest.StepRank(ps.SequenceOrder), rowCount, exec.Duration)
	case workflow.StepStatusFailed:
		severity := anomaly.SeverityWarning
		if t.wf.FailurePolicy(ps.Step) == workflow.OnErrorStop {
			severity = anomaly.SeverityError
		}
		details := map[string]any{
			"completed_steps": append([]string{}, t.completed...),
			"attempts":        exec.Attempt,
		}
		message := "step failed"
		if exec.Result != nil {
			message = exec.Result.Error
			details["error_category"] = string(exec.Result.Category)
		}
		t.record(ctx, &anomaly.Anomaly{
			Step:     name,
			Severity: severity,
			Category: anomaly.CategoryStepFailure,
			Message:  message,
			Details:  details,
		})
	}
}

func (t *tracker) finish(ctx context.Context, res *workflow.RunResult) {
	switch res.Status {
	case workflow.RunStatusCompleted:
		t.advance(ctx, manifest.StageCompleted, manifest.RankCompleted, t.rows, res.Duration)
	case workflow.RunStatusFailed:
		t.record(ctx, &anomaly.Anomaly{
			Step:     res.ErrorStep,
			Severity: anomaly.SeverityError,
			Category: anomaly.CategoryWorkflowFailure,
			Message:  res.Error,
			Details: map[string]any{
				"completed_steps": append([]string{}, t.completed...),
				"error_step":      res.ErrorStep,
			},
		})
	}
	logging.Info(component, "tracked run finished", "run_id", t.runID, "workflow", t.wf.Name, "partition", t.key, "status", res.Status, "rows", t.rows)
}

// advance is best effort: a manifest outage is logged and the run carries on.
func (t *tracker) advance(ctx context.Context, stage manifest.Stage, rank int, rows int64, d time.Duration) {
	if t.dryRun {
		return
	}
	ok, err := t.runner.manifest.Advance(context.WithoutCancel(ctx), manifest.Entry{
		Domain:       t.domain,
		PartitionKey: t.key,
		Stage:        stage,
		Rank:         rank,
		RowCount:     rows,
		ExecutionID:  t.runID,
		Duration:     d,
		Version:      t.wf.Version,
	})
	if err != nil {
		logging.Error(component, "advance manifest", "run_id", t.runID, "stage", stage, "error", err)
		return
	}
	if !ok {
		logging.Debug(component, "manifest already past stage", "run_id", t.runID, "stage", stage)
	}
}

func (t *tracker) record(ctx context.Context, a *anomaly.Anomaly) {
	if t.runner.anomalies == nil {
		return
	}
	a.Domain = t.domain
	a.Workflow = t.wf.Name
	a.Partition = t.partition
	a.PartitionKey = t.key
	a.ExecutionID = t.runID
	if err := t.runner.anomalies.Record(context.WithoutCancel(ctx), a); err != nil {
		logging.Error(component, "record anomaly", "run_id", t.runID, "category", a.Category, "error", err)
	}
}
