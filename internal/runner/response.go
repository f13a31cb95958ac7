package runner

import (
	"encoding/json"
	"errors"
	"fmt"
)

const promptPreviewLength = 100

// Job is one unit of work handed to the runner
type Job struct {
	ID    string                 `json:"id"`
	Input map[string]interface{} `json:"input"`
}

// Metadata describes the generated media
type Metadata struct {
	Format          string  `json:"format"`
	FrameCount      int     `json:"frame_count,omitempty"`
	Steps           int     `json:"steps"`
	Resolution      int     `json:"resolution"`
	FrameLength     int     `json:"frame_length"`
	Seed            int64   `json:"seed"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
	Model           string  `json:"model,omitempty"`
	PositivePrompt  string  `json:"positive_prompt"`
	NegativePrompt  string  `json:"negative_prompt"`
}

// Response is the job result. Exactly one of the success layouts or Error is set.
type Response struct {
	Status    string    `json:"status,omitempty"`
	Message   string    `json:"message,omitempty"`
	Frames    []string  `json:"frames,omitempty"`
	Output    string    `json:"output,omitempty"`
	Metadata  *Metadata `json:"metadata,omitempty"`
	Error     string    `json:"error,omitempty"`
	Details   string    `json:"details,omitempty"`
	Traceback string    `json:"traceback,omitempty"`
}

// Failed reports whether the response carries an error
func (r *Response) Failed() bool {
	return r.Error != ""
}

// Map converts the response into a generic JSON object
func (r *Response) Map() map[string]interface{} {
	data, err := json.Marshal(r)
	if err != nil {
		return map[string]interface{}{"error": err.Error()}
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]interface{}{"error": err.Error()}
	}
	return out
}

// ErrorResponse converts any error into a response. Execution failures carry
// the stack of the underlying cause as traceback.
func ErrorResponse(err error) *Response {
	var jobErr *JobError
	if !errors.As(err, &jobErr) {
		return &Response{Error: err.Error()}
	}

	resp := &Response{
		Error:   jobErr.Error(),
		Details: jobErr.Details,
	}
	if jobErr.Kind == KindExecutionFailed && jobErr.Err != nil {
		resp.Traceback = fmt.Sprintf("%+v", jobErr.Err)
	}
	return resp
}

func truncatePrompt(s string) string {
	runes := []rune(s)
	if len(runes) > promptPreviewLength {
		return string(runes[:promptPreviewLength]) + "..."
	}
	return s
}
