package comfyui

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"comfyrunner/internal/interfaces"
)

const handshakeTimeout = 10 * time.Second

// Subscription is an open push channel for one client ID
type Subscription struct {
	conn     *websocket.Conn
	clientID string
	logger   *logrus.Logger
}

// Subscribe dials the push channel for clientID
func (c *Client) Subscribe(ctx context.Context, clientID string) (*Subscription, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}

	conn, resp, err := dialer.DialContext(ctx, c.buildWSURL(clientID), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to open websocket")
	}

	return &Subscription{
		conn:     conn,
		clientID: clientID,
		logger:   c.logger,
	}, nil
}

// Close closes the channel
func (s *Subscription) Close() error {
	return s.conn.Close()
}

// Await blocks until the push channel reports promptID finished. Binary
// frames, undecodable messages and messages for other prompts are ignored.
// Cancelling ctx closes the channel and unblocks the read.
func (s *Subscription) Await(ctx context.Context, promptID string) error {
	stop := context.AfterFunc(ctx, func() {
		s.conn.Close()
	})
	defer stop()

	log := s.logger.WithFields(logrus.Fields{
		"prompt_id": promptID,
		"client_id": s.clientID,
	})

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return errors.Wrap(ctx.Err(), "waiting for prompt completion")
			}
			return errors.Wrap(err, "websocket closed before prompt completed")
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var msg interfaces.ComfyUIMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "executing":
			var executing interfaces.ComfyUIExecuting
			if err := json.Unmarshal(msg.Data, &executing); err != nil || executing.PromptID != promptID {
				continue
			}
			if executing.Node == nil {
				log.Debug("Prompt finished")
				return nil
			}
			log.WithField("node", *executing.Node).Debug("Executing node")

		case "execution_error":
			var execErr interfaces.ComfyUIExecutionError
			if err := json.Unmarshal(msg.Data, &execErr); err != nil || execErr.PromptID != promptID {
				continue
			}
			return errors.Errorf("node %s (%s) raised %s: %s",
				execErr.NodeID, execErr.NodeType, execErr.ExceptionType, execErr.ExceptionMessage)

		case "progress":
			var progress interfaces.ComfyUIProgress
			if err := json.Unmarshal(msg.Data, &progress); err != nil || progress.PromptID != promptID {
				continue
			}
			log.WithFields(logrus.Fields{
				"node":  progress.Node,
				"value": progress.Value,
				"max":   progress.Max,
			}).Debug("Progress")
		}
	}
}
