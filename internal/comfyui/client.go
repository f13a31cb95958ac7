package comfyui

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"comfyrunner/internal/config"
	"comfyrunner/internal/interfaces"
)

// request timeouts
const (
	pingTimeout    = 5 * time.Second
	uploadTimeout  = 30 * time.Second
	submitTimeout  = 30 * time.Second
	historyTimeout = 30 * time.Second
	viewTimeout    = 60 * time.Second
)

// Client ComfyUI API client bound to a single host
type Client struct {
	host       string
	httpClient *http.Client
	logger     *logrus.Logger
}

// NewClient creates ComfyUI client
func NewClient(host string) *Client {
	return &Client{
		host:       host,
		httpClient: &http.Client{},
		logger:     config.NewLogger(),
	}
}

// buildURL builds complete URL, properly handling the configured host
func (c *Client) buildURL(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	// If host already contains protocol, use it directly
	if strings.HasPrefix(c.host, "http://") || strings.HasPrefix(c.host, "https://") {
		return strings.TrimSuffix(c.host, "/") + path
	}

	return "http://" + strings.TrimSuffix(c.host, "/") + path
}

// buildWSURL builds the push channel URL for clientID
func (c *Client) buildWSURL(clientID string) string {
	u := c.buildURL("/ws?clientId=" + url.QueryEscape(clientID))
	if strings.HasPrefix(u, "https://") {
		return "wss://" + strings.TrimPrefix(u, "https://")
	}
	return "ws://" + strings.TrimPrefix(u, "http://")
}

// Ping checks the server root answers 200
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.buildURL("/"), nil)
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "health check failed")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("health check returned status: %d", resp.StatusCode)
	}
	return nil
}

// UploadImage uploads image bytes as a PNG under filename, overwriting any existing file
func (c *Client) UploadImage(ctx context.Context, filename string, data []byte) error {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename="%s"`, filename))
	header.Set("Content-Type", "image/png")
	part, err := writer.CreatePart(header)
	if err != nil {
		return errors.Wrap(err, "failed to create multipart file")
	}
	if _, err := part.Write(data); err != nil {
		return errors.Wrap(err, "failed to write multipart file")
	}
	if err := writer.WriteField("overwrite", "true"); err != nil {
		return errors.Wrap(err, "failed to write overwrite field")
	}
	if err := writer.Close(); err != nil {
		return errors.Wrap(err, "failed to close multipart body")
	}

	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.buildURL("/upload/image"), &body)
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "failed to send upload request")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return errors.Errorf("upload returned status %d: %s", resp.StatusCode, string(respBody))
	}

	c.logger.WithFields(logrus.Fields{
		"filename": filename,
		"bytes":    len(data),
	}).Debug("Image uploaded")
	return nil
}

// SubmitWorkflow submits workflow to ComfyUI
func (c *Client) SubmitWorkflow(ctx context.Context, workflow map[string]interface{}, clientID string) (*interfaces.ComfyUIResponse, error) {
	jsonData, err := json.Marshal(interfaces.ComfyUIPromptRequest{
		Prompt:   workflow,
		ClientID: clientID,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal workflow")
	}

	ctx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.buildURL("/prompt"), bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to send request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, errors.Errorf("ComfyUI returned status %d: %s", resp.StatusCode, string(body))
	}

	var result interfaces.ComfyUIResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, errors.Wrap(err, "failed to decode response")
	}

	if hasContent(result.Error) {
		return nil, errors.Errorf("ComfyUI rejected workflow: %s", string(result.Error))
	}
	if len(result.NodeErrors) > 0 {
		nodeErrors, _ := json.Marshal(result.NodeErrors)
		return nil, errors.Errorf("ComfyUI reported node errors: %s", string(nodeErrors))
	}
	if result.PromptID == "" {
		return nil, errors.New("ComfyUI response has no prompt_id")
	}

	c.logger.WithField("prompt_id", result.PromptID).Debug("Workflow submitted successfully")
	return &result, nil
}

// Execute opens the push channel for clientID, submits the workflow and waits
// for the prompt to finish. The channel is open before submission so no
// completion event can be missed.
func (c *Client) Execute(ctx context.Context, workflow map[string]interface{}, clientID string) (string, error) {
	sub, err := c.Subscribe(ctx, clientID)
	if err != nil {
		return "", err
	}
	defer sub.Close()

	resp, err := c.SubmitWorkflow(ctx, workflow, clientID)
	if err != nil {
		return "", err
	}

	if err := sub.Await(ctx, resp.PromptID); err != nil {
		return resp.PromptID, err
	}
	return resp.PromptID, nil
}

// GetHistory gets the history entry of promptID
func (c *Client) GetHistory(ctx context.Context, promptID string) (*interfaces.ComfyUIHistory, error) {
	ctx, cancel := context.WithTimeout(ctx, historyTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.buildURL("/history/"+url.PathEscape(promptID)), nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get history")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var history map[string]interfaces.ComfyUIHistory
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		return nil, errors.Wrap(err, "failed to decode history")
	}

	entry, ok := history[promptID]
	if !ok {
		return &interfaces.ComfyUIHistory{}, nil
	}
	return &entry, nil
}

// View fetches the raw bytes of an output file
func (c *Client) View(ctx context.Context, file interfaces.ComfyUIFile) ([]byte, error) {
	params := url.Values{}
	params.Set("filename", file.Filename)
	params.Set("subfolder", file.Subfolder)
	params.Set("type", file.Type)

	ctx, cancel := context.WithTimeout(ctx, viewTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.buildURL("/view?"+params.Encode()), nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch file")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read file")
	}
	return data, nil
}

// Interrupt interrupts the running prompt
func (c *Client) Interrupt(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.buildURL("/interrupt"), nil)
	if err != nil {
		return errors.Wrap(err, "failed to create cancel request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "failed to interrupt prompt")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("unexpected status code when interrupting: %d", resp.StatusCode)
	}
	return nil
}

func hasContent(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s != "" && s != "null" && s != `""` && s != "{}"
}
