package protocol

import (
	"strings"
	"testing"
)

func TestDecodeReport(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr string
		check   func(t *testing.T, r *Report)
	}{
		{
			name:  "ok flag",
			input: `{"command_id":"c1","dispatch_token":"t1","ok":true,"result":{"spawned":"Part"},"execution_ms":12}`,
			check: func(t *testing.T, r *Report) {
				if !r.Succeeded() {
					t.Error("expected success")
				}
				if string(r.Result) != `{"spawned":"Part"}` {
					t.Errorf("unexpected result %s", r.Result)
				}
				if r.ExecutionMS == nil || *r.ExecutionMS != 12 {
					t.Errorf("unexpected execution_ms %v", r.ExecutionMS)
				}
			},
		},
		{
			name:  "status error",
			input: `{"command_id":" c1 ","dispatch_token":"t1","status":"ERROR","error":"boom"}`,
			check: func(t *testing.T, r *Report) {
				if r.Succeeded() {
					t.Error("expected failure")
				}
				if r.CommandID != "c1" {
					t.Errorf("command_id not trimmed: %q", r.CommandID)
				}
			},
		},
		{
			name:  "requeue without outcome",
			input: `{"command_id":"c1","dispatch_token":"t1","requeue":true}`,
			check: func(t *testing.T, r *Report) {
				if !r.Requeue {
					t.Error("expected requeue")
				}
			},
		},
		{name: "unknown field", input: `{"command_id":"c1","dispatch_token":"t1","ok":true,"extra":1}`, wantErr: "unknown field"},
		{name: "missing id", input: `{"dispatch_token":"t1","ok":true}`, wantErr: "command_id"},
		{name: "missing token", input: `{"command_id":"c1","ok":true}`, wantErr: "dispatch_token"},
		{name: "no outcome", input: `{"command_id":"c1","dispatch_token":"t1"}`, wantErr: "ok or status"},
		{name: "bad status", input: `{"command_id":"c1","dispatch_token":"t1","status":"maybe"}`, wantErr: "invalid status"},
		{name: "contradiction", input: `{"command_id":"c1","dispatch_token":"t1","ok":true,"status":"error"}`, wantErr: "contradicts"},
		{name: "negative duration", input: `{"command_id":"c1","dispatch_token":"t1","ok":true,"execution_ms":-1}`, wantErr: "execution_ms"},
		{name: "not json", input: `nope`, wantErr: "failed to decode"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := DecodeReport(strings.NewReader(tt.input))
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.check != nil {
				tt.check(t, r)
			}
		})
	}
}

func TestDecodeReportBatch(t *testing.T) {
	batch, err := DecodeReportBatch(strings.NewReader(`{"results":[{"command_id":"a","dispatch_token":"t","ok":true},{"command_id":""}]}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(batch.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(batch.Results))
	}
	if err := batch.Results[1].Validate(); err == nil {
		t.Fatal("expected second item to fail validation")
	}

	if _, err := DecodeReportBatch(strings.NewReader(`{"results":[]}`)); err == nil {
		t.Fatal("expected empty batch to fail")
	}
	if _, err := DecodeReportBatch(strings.NewReader(`{"reports":[]}`)); err == nil {
		t.Fatal("expected unknown field to fail")
	}
}
