package model

import "time"

const (
	SucceededReportState = "succeeded"
	FailedReportState    = "failed"
)

// Report is the serializable outcome of one probe run.
type Report struct {
	Archive     string         `json:"archive"`
	Sandbox     string         `json:"sandbox,omitempty"`
	State       string         `json:"state"`
	Executables []string       `json:"executables,omitempty"`
	Failure     *FailureReport `json:"failure,omitempty"`
	Export      *ExportReport  `json:"export,omitempty"`
	StartedAt   time.Time      `json:"startedAt"`
	Duration    time.Duration  `json:"duration"`
}

type FailureReport struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	// Detail is the captured command output or runtime diagnostic.
	Detail string `json:"detail,omitempty"`
}

type ExportReport struct {
	Destination string `json:"destination"`
	Size        int64  `json:"size"`
	Stored      int64  `json:"stored"`
	Digest      string `json:"digest"`
}
