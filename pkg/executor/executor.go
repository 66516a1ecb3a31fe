// Package executor hands claimed pipeline runs to the system that actually
// executes them. The scheduler only tracks run state; execution happens
// elsewhere, behind the Dispatcher interface.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/conveyor/pkg/observability"
)

// RunDescriptor identifies a claimed run being handed to the executor
type RunDescriptor struct {
	RunID        uuid.UUID `json:"run_id"`
	OrgID        int64     `json:"org_id"`
	PipelineType string    `json:"pipeline_type"`
	WindowStart  time.Time `json:"window_start"`
	Priority     int       `json:"priority"`
}

// Dispatcher hands a run to the execution layer. Implementations must be
// safe for concurrent use. A dispatch error means the run was NOT handed
// off and should be requeued.
type Dispatcher interface {
	Dispatch(ctx context.Context, run RunDescriptor) error
}

// NopDispatcher accepts every run without doing anything. Used in local
// development where runs are completed via the internal API.
type NopDispatcher struct{}

func (NopDispatcher) Dispatch(ctx context.Context, run RunDescriptor) error { return nil }

// HTTPDispatcher POSTs run descriptors to an external pipeline runner
type HTTPDispatcher struct {
	url    string
	client *http.Client
	logger *observability.Logger
}

// NewHTTPDispatcher creates a dispatcher targeting the runner endpoint
func NewHTTPDispatcher(url string, timeout time.Duration, logger *observability.Logger) *HTTPDispatcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPDispatcher{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Dispatch sends the run to the runner. The runner acknowledging with a
// 2xx means it owns the run until it reports completion.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, run RunDescriptor) error {
	payload, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run descriptor: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Conveyor-Run-ID", run.RunID.String())

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to dispatch run: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("runner returned non-2xx status: %d", resp.StatusCode)
	}

	d.logger.WithFields(map[string]interface{}{
		"run_id":        run.RunID,
		"org_id":        run.OrgID,
		"pipeline_type": run.PipelineType,
	}).Debug("run dispatched")

	return nil
}
