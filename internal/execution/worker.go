package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
)

// ProcessVideoArgs is the queue payload for one watermark-removal run. It is
// inserted with river.Client.InsertTx inside the same transaction that
// reserves the job's credits.
type ProcessVideoArgs struct {
	JobID     uuid.UUID `json:"job_id"`
	UserID    uuid.UUID `json:"user_id"`
	SourceURL string    `json:"source_url"`
}

func (ProcessVideoArgs) Kind() string { return "process_video" }

// JobService is the contract the worker needs to report lifecycle progress
// and the terminal outcome. The processing itself happens in the external
// GPU service; this worker only drives the job through its states.
type JobService interface {
	StartProcessing(ctx context.Context, jobID uuid.UUID) error
	Complete(ctx context.Context, jobID uuid.UUID, outputURL string, finalCost int64) error
	Fail(ctx context.Context, jobID uuid.UUID, code, message string, retryable bool) error
}

// ErrJobNotRunnable is returned by StartProcessing when the job has already
// left the active pipeline (canceled, timed out). The queue entry is dropped.
var ErrJobNotRunnable = errors.New("job is not runnable")

type ProcessVideoWorker struct {
	river.WorkerDefaults[ProcessVideoArgs]
	jobService JobService
	endpoint   string
	httpClient *http.Client
}

func NewProcessVideoWorker(js JobService, endpoint string) *ProcessVideoWorker {
	return &ProcessVideoWorker{
		jobService: js,
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: 10 * time.Minute},
	}
}

type processRequest struct {
	JobID     uuid.UUID `json:"job_id"`
	SourceURL string    `json:"source_url"`
}

type processResponse struct {
	OutputURL   string `json:"output_url"`
	CreditsUsed int64  `json:"credits_used"`
}

func (w *ProcessVideoWorker) Work(ctx context.Context, job *river.Job[ProcessVideoArgs]) error {
	args := job.Args

	if err := w.jobService.StartProcessing(ctx, args.JobID); err != nil {
		if errors.Is(err, ErrJobNotRunnable) {
			return nil
		}
		return fmt.Errorf("start processing: %w", err)
	}

	body, err := json.Marshal(processRequest{JobID: args.JobID, SourceURL: args.SourceURL})
	if err != nil {
		return w.jobService.Fail(ctx, args.JobID, "bad_request", fmt.Sprintf("marshal request: %v", err), false)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(body))
	if err != nil {
		return w.jobService.Fail(ctx, args.JobID, "bad_request", fmt.Sprintf("create request: %v", err), false)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return w.jobService.Fail(ctx, args.JobID, "processor_unreachable", err.Error(), true)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode >= 500:
		return w.jobService.Fail(ctx, args.JobID, "processor_error", fmt.Sprintf("processor returned status %d", resp.StatusCode), true)
	default:
		return w.jobService.Fail(ctx, args.JobID, "processor_rejected", fmt.Sprintf("processor returned status %d", resp.StatusCode), false)
	}

	var out processResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return w.jobService.Fail(ctx, args.JobID, "bad_response", "processor returned invalid JSON", false)
	}
	if out.OutputURL == "" {
		return w.jobService.Fail(ctx, args.JobID, "bad_response", "processor returned no output_url", false)
	}

	if err := w.jobService.Complete(ctx, args.JobID, out.OutputURL, out.CreditsUsed); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}
