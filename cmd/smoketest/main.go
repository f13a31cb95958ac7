// Command smoketest posts a payload file to a running job API and follows the
// job until it finishes.
//
//	smoketest [--url http://localhost:8080/run] [--payload payload.json] API_KEY
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"comfyrunner/internal/config"
)

const (
	syncTimeout  = 10 * time.Minute
	asyncTimeout = 30 * time.Second
)

// client talks to the job API
type client struct {
	http         *http.Client
	apiKey       string
	pollInterval time.Duration
	out          io.Writer
	logger       *logrus.Logger
}

type jobStatus struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

func main() {
	url := flag.String("url", "http://localhost:8080/run", "Endpoint URL, ending in /run or /runsync")
	payloadFile := flag.String("payload", "payload.json", "Path to payload JSON")
	interval := flag.Duration("interval", 2*time.Second, "Status polling interval")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: smoketest [flags] API_KEY")
		flag.PrintDefaults()
		os.Exit(2)
	}

	config.ConfigureGlobalLogger(os.Getenv("LOG_LEVEL"))

	c := &client{
		http:         &http.Client{},
		apiKey:       flag.Arg(0),
		pollInterval: *interval,
		out:          os.Stdout,
		logger:       config.NewLogger(),
	}

	payload, err := os.ReadFile(*payloadFile)
	if err != nil {
		c.logger.WithError(err).Fatal("Error loading payload file")
	}

	status, err := c.run(context.Background(), *url, payload)
	if err != nil {
		c.logger.WithError(err).Fatal("Smoke test failed")
	}
	if status != "COMPLETED" {
		os.Exit(1)
	}
}

// run submits payload and returns the final job status
func (c *client) run(ctx context.Context, endpoint string, payload []byte) (string, error) {
	if !json.Valid(payload) {
		return "", errors.New("payload is not valid JSON")
	}

	c.logger.WithField("url", endpoint).Info("Sending request")

	if strings.HasSuffix(endpoint, "/runsync") {
		var resp jobStatus
		if err := c.do(ctx, http.MethodPost, endpoint, payload, syncTimeout, &resp); err != nil {
			return "", err
		}
		c.print(resp)
		return resp.Status, nil
	}

	var started jobStatus
	if err := c.do(ctx, http.MethodPost, endpoint, payload, asyncTimeout, &started); err != nil {
		return "", err
	}
	if started.ID == "" {
		return "", errors.New("response carries no job id")
	}
	c.logger.WithField("job_id", started.ID).Info("Job started")

	statusURL := strings.TrimSuffix(endpoint, "/run") + "/status/" + started.ID
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(c.pollInterval):
		}

		var status jobStatus
		if err := c.do(ctx, http.MethodGet, statusURL, nil, asyncTimeout, &status); err != nil {
			return "", err
		}
		c.logger.WithField("status", status.Status).Info("Polled job status")

		switch status.Status {
		case "COMPLETED", "FAILED", "CANCELLED":
			c.print(status)
			return status.Status, nil
		}
	}
}

func (c *client) do(ctx context.Context, method, url string, body []byte, timeout time.Duration, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, url)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "failed to read response")
	}
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("error (%d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return errors.Wrap(json.Unmarshal(data, out), "failed to decode response")
}

func (c *client) print(status jobStatus) {
	switch status.Status {
	case "COMPLETED":
		fmt.Fprintln(c.out, "Job Completed!")
	case "FAILED":
		fmt.Fprintln(c.out, "Job Failed.")
	default:
		fmt.Fprintf(c.out, "Job %s.\n", status.Status)
	}
	if status.Error != "" {
		fmt.Fprintf(c.out, "Error: %s\n", status.Error)
	}
	if len(status.Output) > 0 {
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, status.Output, "", "  "); err == nil {
			fmt.Fprintln(c.out, "Output:")
			fmt.Fprintln(c.out, pretty.String())
		}
	}
}
