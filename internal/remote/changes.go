package remote

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/marcus/kept/internal/syncerr"
)

// maxChangeBytes bounds one push message; rows with large notes or journal
// bodies exceed the library's 32 KiB default.
const maxChangeBytes = 1 << 20

// Subscribe opens the push channel and calls fn for each change until ctx is
// done or the connection drops. Changes made by this client's device are
// filtered by the server.
func (c *Client) Subscribe(ctx context.Context, fn func(Change)) error {
	header := http.Header{}
	if c.DeviceID != "" {
		header.Set("X-Device-ID", c.DeviceID)
	}
	if err := c.authorize(header); err != nil {
		return err
	}

	conn, resp, err := websocket.Dial(ctx, changesURL(c.BaseURL), &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return statusError("subscribe", resp.StatusCode, nil)
		}
		return transportError(ctx, "subscribe", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(maxChangeBytes)

	for {
		var ch Change
		if err := wsjson.Read(ctx, conn, &ch); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || errors.Is(err, context.Canceled) {
				return nil
			}
			return syncerr.New(syncerr.KindNetwork, "subscribe", err)
		}
		fn(ch)
	}
}

func changesURL(base string) string {
	u := strings.TrimRight(base, "/") + "/v1/changes"
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}
