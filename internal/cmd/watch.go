package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/adamancini/kioskd/internal/broadcast"
	"github.com/adamancini/kioskd/internal/output"
	"github.com/adamancini/kioskd/internal/types"
)

const (
	reconnectDelay = 2 * time.Second
	dialTimeout    = 10 * time.Second
)

type watchOptions struct {
	// reconnect redials after the connection drops.
	reconnect bool
	// untilDone stops once the run reaches success or error.
	untilDone bool
}

func newWatchCmd() *cobra.Command {
	var opts watchOptions

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream live update status from the service",
		Long: `Watch connects to the service's status WebSocket and prints every status
change as it happens, starting with the current status.

Examples:
  kioskd watch               # Print status changes until interrupted
  kioskd watch --reconnect   # Keep watching across service restarts
  kioskd watch -o json       # One JSON message per line`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, err := loadConfig()
			if err != nil {
				return err
			}
			w, err := newWriter(cmd)
			if err != nil {
				return err
			}
			base, err := baseURL(cfg)
			if err != nil {
				return err
			}
			return runWatch(cmd.Context(), w.Compact(), newAPIClient(base), opts)
		},
	}

	cmd.Flags().BoolVar(&opts.reconnect, "reconnect", false, "Reconnect when the service restarts")
	return cmd
}

func websocketURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + "/ws"
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://") + "/ws"
	default:
		return base + "/ws"
	}
}

// errStopWatching ends a watch without an error.
var errStopWatching = errors.New("stop watching")

func runWatch(ctx context.Context, w *output.Writer, client *apiClient, opts watchOptions) error {
	url := websocketURL(client.base)
	dialer := websocket.Dialer{
		HandshakeTimeout: dialTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}
	header := http.Header{"User-Agent": {client.userAgent}}

	connected := false
	for {
		conn, _, err := dialer.DialContext(ctx, url, header)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if !opts.reconnect {
				return fmt.Errorf("failed to connect to %s: %w", url, err)
			}
			log.Debugf("waiting for service: %v", err)
		} else {
			if connected {
				log.Info("reconnected to kioskd")
			}
			connected = true

			err = readMessages(ctx, conn, w, opts)
			_ = conn.Close()
			if errors.Is(err, errStopWatching) {
				return nil
			}
			if err != nil {
				return err
			}
			if !opts.reconnect {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectDelay):
		}
	}
}

// readMessages prints messages until the connection drops. It returns
// errStopWatching when opts say the watch is over.
func readMessages(ctx context.Context, conn *websocket.Conn, w *output.Writer, opts watchOptions) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return errStopWatching
			}
			log.Debugf("status connection closed: %v", err)
			return nil
		}

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			log.Warnf("ignoring malformed status message: %v", err)
			continue
		}

		switch envelope.Type {
		case broadcast.TypeUpdateStatus:
			var msg broadcast.StatusMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				log.Warnf("ignoring malformed status message: %v", err)
				continue
			}
			if err := w.Write(msg); err != nil {
				return err
			}
			if opts.untilDone {
				switch msg.Status.Status {
				case types.StateError:
					return fmt.Errorf("update failed: %s", msg.Message)
				case types.StateSuccess:
					return errStopWatching
				}
			}

		case broadcast.TypeServerShutdown:
			var notice broadcast.ShutdownNotice
			if err := json.Unmarshal(data, &notice); err != nil {
				log.Warnf("ignoring malformed shutdown notice: %v", err)
				continue
			}
			if err := w.Write(notice); err != nil {
				return err
			}

		default:
			log.Debugf("ignoring message of type %q", envelope.Type)
		}
	}
}
