package runner

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"comfyrunner/internal/interfaces"
	"comfyrunner/internal/workflow"
)

const filenameAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// probe polls the server root until it answers 200. It makes at most
// maxAttempts requests and sleeps interval between consecutive attempts.
func (r *Runner) probe(ctx context.Context, log *logrus.Entry) bool {
	for attempt := 1; attempt <= r.opts.MaxAttempts; attempt++ {
		err := r.client.Ping(ctx)
		if err == nil {
			log.WithField("attempts", attempt).Debug("ComfyUI server is ready")
			return true
		}
		if attempt == r.opts.MaxAttempts {
			log.WithError(err).WithField("attempts", attempt).Warn("ComfyUI server not ready, giving up")
			break
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(r.opts.PollInterval):
		}
	}
	return false
}

// decodeImage strips an optional data-URL prefix and decodes standard base64
func decodeImage(payload string) ([]byte, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil, errors.New("empty image payload")
	}
	if i := strings.Index(payload, ","); i >= 0 {
		payload = payload[i+1:]
	}
	payload = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == ' ' || r == '\t' {
			return -1
		}
		return r
	}, payload)

	// padding is required
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, errors.Wrap(err, "invalid base64 image")
	}
	return data, nil
}

// upload decodes payload and pushes it to the asset store. Failures are logged
// and reported as false.
func (r *Runner) upload(ctx context.Context, log *logrus.Entry, payload, filename string) bool {
	data, err := decodeImage(payload)
	if err != nil {
		log.WithError(err).WithField("filename", filename).Error("Failed to decode image")
		return false
	}
	if err := r.client.UploadImage(ctx, filename, data); err != nil {
		log.WithError(err).WithField("filename", filename).Error("Failed to upload image")
		return false
	}
	return true
}

// randomFilename returns 10 random lowercase alphanumerics plus ext
func randomFilename(ext string) string {
	b := make([]byte, 10)
	for i := range b {
		b[i] = filenameAlphabet[rand.IntN(len(filenameAlphabet))]
	}
	return string(b) + ext
}

// collect fetches every output file the template's output rule selects.
// Individual fetch failures are skipped.
func (r *Runner) collect(ctx context.Context, log *logrus.Entry, history *interfaces.ComfyUIHistory) ([][]byte, error) {
	rule := r.template.Output

	nodes := rule.Nodes
	if len(nodes) == 0 {
		for id := range history.Outputs {
			nodes = append(nodes, id)
		}
		sort.Strings(nodes)
	}

	var blobs [][]byte
	for _, nodeID := range nodes {
		output, ok := history.Outputs[nodeID]
		if !ok {
			continue
		}
		for _, field := range rule.Fields {
			for _, file := range output.Files(field) {
				if file.Type == "" {
					file.Type = "output"
				}
				data, err := r.client.View(ctx, file)
				if err != nil || len(data) == 0 {
					log.WithError(err).WithFields(logrus.Fields{
						"node":     nodeID,
						"filename": file.Filename,
					}).Warn("Failed to fetch output file, skipping")
					continue
				}
				blobs = append(blobs, data)
			}
		}
	}

	if len(blobs) == 0 {
		details, _ := json.Marshal(history.Outputs)
		message := "No output generated"
		if r.template.Shape == workflow.ShapeFrames {
			message = "No interpolated frames generated"
		}
		return nil, noOutput(message, string(details))
	}
	return blobs, nil
}
