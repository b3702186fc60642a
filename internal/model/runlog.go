package model

// Run log statuses.
const (
	RunSuccess = "success"
	RunFailure = "failure"
)

// StageTimings records how long each pipeline stage took, in milliseconds.
// Stages that never ran stay zero.
type StageTimings struct {
	ReadMS     float64 `json:"read_ms"`
	DetectMS   float64 `json:"detect_ms"`
	ConvertMS  float64 `json:"convert_ms"`
	AssetsMS   float64 `json:"assets_ms"`
	FinalizeMS float64 `json:"finalize_ms"`
	WriteMS    float64 `json:"write_ms"`
}

// RunLogEntry is one line of a run's log.jsonl.
type RunLogEntry struct {
	Timestamp    string       `json:"timestamp"`
	RunID        string       `json:"run_id"`
	Source       string       `json:"source"`
	Status       string       `json:"status"`
	MIMEType     string       `json:"mime_type"`
	Warnings     []string     `json:"warnings"`
	ErrorCode    string       `json:"error_code"`
	ErrorMessage string       `json:"error_message,omitempty"`
	Timings      StageTimings `json:"timings"`
	OutputPath   string       `json:"output_path"`
	Assets       []string     `json:"assets"`
	SizeBytes    int64        `json:"size_bytes"`
}
