package interfaces

import (
	"context"
	"encoding/json"
)

// ComfyUIClient ComfyUI client interface
type ComfyUIClient interface {
	// Ping checks that the server answers GET / with 200
	Ping(ctx context.Context) error

	// UploadImage uploads an input image to the asset store
	UploadImage(ctx context.Context, filename string, data []byte) error

	// Execute subscribes to the push channel, submits the workflow and blocks
	// until the prompt finishes. The prompt ID is returned whenever submission
	// succeeded, even if waiting failed.
	Execute(ctx context.Context, workflow map[string]interface{}, clientID string) (string, error)

	// GetHistory gets the execution history of a prompt
	GetHistory(ctx context.Context, promptID string) (*ComfyUIHistory, error)

	// View fetches the raw bytes of an output asset
	View(ctx context.Context, file ComfyUIFile) ([]byte, error)

	// Interrupt stops the prompt currently executing
	Interrupt(ctx context.Context) error
}

// ComfyUIPromptRequest body of POST /prompt
type ComfyUIPromptRequest struct {
	Prompt   map[string]interface{} `json:"prompt"`
	ClientID string                 `json:"client_id"`
}

// ComfyUIResponse ComfyUI response to POST /prompt
type ComfyUIResponse struct {
	PromptID   string                     `json:"prompt_id"`
	Number     int                        `json:"number"`
	NodeErrors map[string]json.RawMessage `json:"node_errors,omitempty"`
	Error      json.RawMessage            `json:"error,omitempty"`
}

// ComfyUIHistory execution history of one prompt
type ComfyUIHistory struct {
	Outputs map[string]ComfyUINodeOutput `json:"outputs"`
	Status  struct {
		StatusStr string `json:"status_str"`
		Completed bool   `json:"completed"`
	} `json:"status"`
}

// ComfyUINodeOutput raw output lists of one node, keyed by field ("images", "gifs", "video", ...)
type ComfyUINodeOutput map[string]json.RawMessage

// Files decodes the descriptors listed under field. Unknown shapes yield nil.
func (o ComfyUINodeOutput) Files(field string) []ComfyUIFile {
	raw, ok := o[field]
	if !ok {
		return nil
	}
	var files []ComfyUIFile
	if err := json.Unmarshal(raw, &files); err != nil {
		return nil
	}
	return files
}

// ComfyUIFile output asset descriptor
type ComfyUIFile struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// ComfyUIMessage push channel message
type ComfyUIMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ComfyUIExecuting data of an "executing" message; Node is nil when the prompt finished
type ComfyUIExecuting struct {
	Node     *string `json:"node"`
	PromptID string  `json:"prompt_id"`
}

// ComfyUIProgress data of a "progress" message
type ComfyUIProgress struct {
	Value    int    `json:"value"`
	Max      int    `json:"max"`
	PromptID string `json:"prompt_id"`
	Node     string `json:"node"`
}

// ComfyUIExecutionError data of an "execution_error" message
type ComfyUIExecutionError struct {
	PromptID         string `json:"prompt_id"`
	NodeID           string `json:"node_id"`
	NodeType         string `json:"node_type"`
	ExceptionMessage string `json:"exception_message"`
	ExceptionType    string `json:"exception_type"`
}
