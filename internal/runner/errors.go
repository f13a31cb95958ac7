package runner

import (
	"fmt"
	"strings"
)

// Kind categorizes a job failure
type Kind string

const (
	KindMissingInput       Kind = "MissingInput"
	KindServerUnreachable  Kind = "ServerUnreachable"
	KindUploadFailed       Kind = "UploadFailed"
	KindWorkflowLoadFailed Kind = "WorkflowLoadFailed"
	KindMissingGraphNode   Kind = "MissingGraphNode"
	KindExecutionFailed    Kind = "ExecutionFailed"
	KindNoOutputGenerated  Kind = "NoOutputGenerated"
)

// JobError is a terminal failure of one job
type JobError struct {
	Kind    Kind
	Message string
	// Nodes lists the missing node IDs of a MissingGraphNode failure
	Nodes []string
	// Details carries diagnostic output for operators
	Details string
	Err     error
}

// Error implements the error interface
func (e *JobError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Kind)
}

// Unwrap returns the underlying error
func (e *JobError) Unwrap() error {
	return e.Err
}

// Is matches any JobError of the same kind
func (e *JobError) Is(target error) bool {
	t, ok := target.(*JobError)
	return ok && t.Kind == e.Kind
}

// sentinels for errors.Is
var (
	ErrMissingInput       = &JobError{Kind: KindMissingInput}
	ErrServerUnreachable  = &JobError{Kind: KindServerUnreachable}
	ErrUploadFailed       = &JobError{Kind: KindUploadFailed}
	ErrWorkflowLoadFailed = &JobError{Kind: KindWorkflowLoadFailed}
	ErrMissingGraphNode   = &JobError{Kind: KindMissingGraphNode}
	ErrExecutionFailed    = &JobError{Kind: KindExecutionFailed}
	ErrNoOutput           = &JobError{Kind: KindNoOutputGenerated}
)

func missingInput() *JobError {
	return &JobError{Kind: KindMissingInput, Message: "start_image_base64 and end_image_base64 are required."}
}

func serverUnreachable() *JobError {
	return &JobError{Kind: KindServerUnreachable, Message: "ComfyUI server unreachable."}
}

func uploadFailed(which string) *JobError {
	return &JobError{Kind: KindUploadFailed, Message: fmt.Sprintf("Failed to upload %s image", which)}
}

func workflowLoadFailed(err error) *JobError {
	return &JobError{Kind: KindWorkflowLoadFailed, Message: fmt.Sprintf("Failed to load workflow file: %v", err), Err: err}
}

func missingGraphNodes(nodes []string, err error) *JobError {
	return &JobError{
		Kind:    KindMissingGraphNode,
		Message: strings.ReplaceAll(err.Error(), "\n", "; "),
		Nodes:   nodes,
		Err:     err,
	}
}

func executionFailed(err error) *JobError {
	return &JobError{Kind: KindExecutionFailed, Message: fmt.Sprintf("Execution failed: %v", err), Err: err}
}

func noOutput(message, details string) *JobError {
	return &JobError{Kind: KindNoOutputGenerated, Message: message, Details: details}
}
