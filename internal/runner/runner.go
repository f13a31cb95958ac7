// Package runner executes one job against a ComfyUI instance: probe, upload,
// patch, submit and wait, collect.
package runner

import (
	"context"
	"encoding/base64"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"comfyrunner/internal/config"
	"comfyrunner/internal/interfaces"
	"comfyrunner/internal/workflow"
)

// State is a step of the per-job state machine
type State string

const (
	StateIdle               State = "idle"
	StateProbingServer      State = "probing_server"
	StateUploadingAssets    State = "uploading_assets"
	StatePatchingGraph      State = "patching_graph"
	StateSubmitted          State = "submitted"
	StateAwaitingCompletion State = "awaiting_completion"
	StateCollectingResults  State = "collecting_results"
	StateSuccess            State = "success"
	StateFailed             State = "failed"
)

const interruptTimeout = 10 * time.Second

// Options runner options
type Options struct {
	WorkflowFile       string
	PollInterval       time.Duration
	MaxAttempts        int
	CompletionTimeout  time.Duration
	InterruptOnTimeout bool
}

// OptionsFromConfig builds runner options from the application config
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		WorkflowFile:       cfg.Workflow.File,
		PollInterval:       cfg.Comfy.PollingInterval,
		MaxAttempts:        cfg.Comfy.PollingMaxRetries,
		CompletionTimeout:  cfg.Comfy.CompletionTimeout,
		InterruptOnTimeout: cfg.Comfy.InterruptOnTimeout,
	}
}

// Runner runs jobs one at a time against a ComfyUI client
type Runner struct {
	client   interfaces.ComfyUIClient
	template *workflow.Template
	opts     Options
	logger   *logrus.Logger
}

// New creates a runner
func New(client interfaces.ComfyUIClient, template *workflow.Template, opts Options) *Runner {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	return &Runner{
		client:   client,
		template: template,
		opts:     opts,
		logger:   config.NewLogger(),
	}
}

// Handle runs job and always returns a well-formed response. A job without
// input is a liveness check that only probes the server.
func (r *Runner) Handle(ctx context.Context, job *Job) *Response {
	log := r.logger.WithFields(logrus.Fields{
		"job_id":   job.ID,
		"template": r.template.Name,
	})

	if len(job.Input) == 0 {
		if r.probe(ctx, log.WithField("state", StateProbingServer)) {
			return &Response{Status: "success", Message: "ComfyUI server is ready (test/health-check request)"}
		}
		return &Response{Error: "ComfyUI server failed to start within the timeout period."}
	}

	start := time.Now()
	resp, err := r.Run(ctx, job)
	if err != nil {
		fields := logrus.Fields{"state": StateFailed, "duration": time.Since(start)}
		var jobErr *JobError
		if errors.As(err, &jobErr) {
			fields["kind"] = jobErr.Kind
		}
		log.WithError(err).WithFields(fields).Error("Job failed")
		return ErrorResponse(err)
	}

	log.WithFields(logrus.Fields{"state": StateSuccess, "duration": time.Since(start)}).Info("Job completed")
	return resp
}

// Run executes the job and returns a *JobError on failure
func (r *Runner) Run(ctx context.Context, job *Job) (*Response, error) {
	log := r.logger.WithFields(logrus.Fields{
		"job_id":   job.ID,
		"template": r.template.Name,
	})

	params := workflow.ParseParams(job.Input)
	if r.template.UseDuration {
		params.DeriveFrameLengthFromDuration()
	}
	if !params.HasImages() {
		return nil, missingInput()
	}

	log.WithField("state", StateProbingServer).Debug("Waiting for ComfyUI")
	if !r.probe(ctx, log) {
		return nil, serverUnreachable()
	}

	log.WithField("state", StateUploadingAssets).Debug("Uploading images")
	startFile := randomFilename(".png")
	endFile := randomFilename(".png")
	if !r.upload(ctx, log, params.StartImage, startFile) {
		return nil, uploadFailed("start")
	}
	if !r.upload(ctx, log, params.EndImage, endFile) {
		return nil, uploadFailed("end")
	}

	log.WithField("state", StatePatchingGraph).Debug("Patching workflow")
	graph, err := workflow.LoadFile(r.opts.WorkflowFile)
	if err != nil {
		return nil, workflowLoadFailed(err)
	}
	if err := r.template.Patch(graph, workflow.Values(params, startFile, endFile)); err != nil {
		missing := workflow.MissingNodes(err)
		nodes := make([]string, 0, len(missing))
		for _, m := range missing {
			nodes = append(nodes, m.Node)
		}
		return nil, missingGraphNodes(nodes, err)
	}

	promptID, err := r.execute(ctx, log, graph)
	if err != nil {
		return nil, executionFailed(err)
	}

	log = log.WithField("prompt_id", promptID)
	log.WithField("state", StateCollectingResults).Debug("Collecting results")
	history, err := r.client.GetHistory(ctx, promptID)
	if err != nil {
		return nil, executionFailed(err)
	}
	blobs, err := r.collect(ctx, log, history)
	if err != nil {
		return nil, err
	}

	return r.buildResponse(params, blobs), nil
}

// execute submits the graph and waits for completion, bounded by the completion timeout
func (r *Runner) execute(ctx context.Context, log *logrus.Entry, graph workflow.Graph) (string, error) {
	clientID := uuid.New().String()

	execCtx := ctx
	if r.opts.CompletionTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, r.opts.CompletionTimeout)
		defer cancel()
	}

	log.WithFields(logrus.Fields{"state": StateSubmitted, "client_id": clientID}).Debug("Submitting workflow")
	promptID, err := r.client.Execute(execCtx, graph.Prompt(), clientID)
	if err != nil {
		if promptID != "" && errors.Is(err, context.DeadlineExceeded) && r.opts.InterruptOnTimeout {
			r.interrupt(log.WithField("prompt_id", promptID))
		}
		return promptID, err
	}

	log.WithFields(logrus.Fields{"state": StateAwaitingCompletion, "prompt_id": promptID}).Debug("Prompt finished")
	return promptID, nil
}

func (r *Runner) interrupt(log *logrus.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), interruptTimeout)
	defer cancel()
	if err := r.client.Interrupt(ctx); err != nil {
		log.WithError(err).Warn("Failed to interrupt timed out prompt")
		return
	}
	log.Warn("Interrupted timed out prompt")
}

func (r *Runner) buildResponse(p workflow.Params, blobs [][]byte) *Response {
	meta := &Metadata{
		Format:         r.template.Format,
		Steps:          p.Steps,
		Resolution:     p.Resolution,
		FrameLength:    p.FrameLength,
		Seed:           p.Seed,
		PositivePrompt: truncatePrompt(p.PositivePrompt),
		NegativePrompt: truncatePrompt(p.NegativePrompt),
	}
	if r.template.UseDuration {
		meta.DurationSeconds = p.Duration
		meta.Model = p.Model
	}

	switch r.template.Shape {
	case workflow.ShapeFrames:
		frames := make([]string, len(blobs))
		for i, b := range blobs {
			frames[i] = base64.StdEncoding.EncodeToString(b)
		}
		meta.FrameCount = len(frames)
		return &Response{Frames: frames, Metadata: meta}
	case workflow.ShapeOutputMetadata:
		return &Response{Output: base64.StdEncoding.EncodeToString(blobs[0]), Metadata: meta}
	default:
		return &Response{Output: base64.StdEncoding.EncodeToString(blobs[0])}
	}
}
