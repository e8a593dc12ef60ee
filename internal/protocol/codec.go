package protocol

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// maxBatchReports bounds one batch report.
const maxBatchReports = 500

// DecodeReport reads one Report from r. Unknown fields are rejected.
func DecodeReport(r io.Reader) (*Report, error) {
	var rep Report

	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&rep); err != nil {
		return nil, fmt.Errorf("failed to decode report: %w", err)
	}
	if err := rep.Validate(); err != nil {
		return nil, err
	}
	return &rep, nil
}

// DecodeReportBatch reads a ReportBatch from r. Structural problems fail the
// whole batch; per-item validation is left to the caller so one bad item does
// not discard the rest.
func DecodeReportBatch(r io.Reader) (*ReportBatch, error) {
	var batch ReportBatch

	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&batch); err != nil {
		return nil, fmt.Errorf("failed to decode report batch: %w", err)
	}
	if len(batch.Results) == 0 {
		return nil, fmt.Errorf("report batch missing required field: results")
	}
	if len(batch.Results) > maxBatchReports {
		return nil, fmt.Errorf("report batch has %d results (max %d)", len(batch.Results), maxBatchReports)
	}
	return &batch, nil
}

// Validate checks the fields every report needs.
func (r *Report) Validate() error {
	r.CommandID = strings.TrimSpace(r.CommandID)
	r.DispatchToken = strings.TrimSpace(r.DispatchToken)
	r.Status = strings.ToLower(strings.TrimSpace(r.Status))

	if r.CommandID == "" {
		return fmt.Errorf("report missing required field: command_id")
	}
	if r.DispatchToken == "" {
		return fmt.Errorf("report missing required field: dispatch_token")
	}
	if r.OK == nil && r.Status == "" && !r.Requeue {
		return fmt.Errorf("report must set ok or status")
	}
	if r.Status != "" && r.Status != StatusOK && r.Status != StatusError {
		return fmt.Errorf("invalid status value: %q (must be 'ok' or 'error')", r.Status)
	}
	if r.OK != nil && r.Status != "" && *r.OK != (r.Status == StatusOK) {
		return fmt.Errorf("report ok=%v contradicts status=%q", *r.OK, r.Status)
	}
	if r.ExecutionMS != nil && *r.ExecutionMS < 0 {
		return fmt.Errorf("execution_ms must not be negative")
	}
	return nil
}
