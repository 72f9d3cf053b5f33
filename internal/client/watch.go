package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"kfp-notebook-bridge/internal/models"
)

func (c *Client) watchURL(runID string) (string, error) {
	u, err := url.Parse(c.baseURL + apiPrefix + "/runs/" + url.PathEscape(runID) + "/watch")
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String(), nil
}

// WatchRun follows a run over the server's websocket stream and calls fn for
// every state change. It returns when the run ends or ctx is done.
func (c *Client) WatchRun(ctx context.Context, runID string, fn func(models.RunEvent)) error {
	target, err := c.watchURL(runID)
	if err != nil {
		return err
	}

	header := http.Header{}
	if c.xsrfToken != "" {
		header.Set(xsrfHeader, c.xsrfToken)
	}
	if c.user != "" {
		header.Set("X-Forwarded-User", c.user)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(resp.Status)}
		}
		return err
	}
	defer func() { _ = conn.Close() }()
	stop := closeOnCancel(ctx, conn)
	defer stop()

	for {
		var ev models.RunEvent
		if err := conn.ReadJSON(&ev); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) || ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		fn(ev)
		if ev.Error != "" {
			return errors.New(ev.Error)
		}
		if ev.Terminal {
			return nil
		}
	}
}

// closeOnCancel closes c when ctx is done, unblocking a pending read. The
// returned stop ends the watcher and waits for it to exit.
func closeOnCancel(ctx context.Context, c io.Closer) (stop func()) {
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		select {
		case <-ctx.Done():
			_ = c.Close()
		case <-done:
		}
	}()
	return func() {
		close(done)
		<-exited
	}
}
