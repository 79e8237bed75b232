package sdk

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mikeangelocasono/expert-dashboard/pkg/schema"
	core "github.com/mikeangelocasono/expert-dashboard/pkg/sync"
)

// maxFeedAttempts is how many consecutive connect failures the subscriber
// tolerates before reporting the feed closed and giving up. The sync client
// reacts to closed with a reconciliation plus a fresh Subscribe, so giving
// up here does not strand the replica.
const maxFeedAttempts = 3

// Subscribe attaches to the backend's SSE feed and delivers change events
// to handler and health transitions to stateHandler. It implements
// core.Feed. The stream is read on a background goroutine until the
// returned cancel func is called, ctx ends, or the retry budget runs out.
func (c *Client) Subscribe(ctx context.Context, handler func(schema.ChangeEvent), stateHandler func(schema.FeedState)) (func(), error) {
	if handler == nil {
		handler = func(schema.ChangeEvent) {}
	}
	if stateHandler == nil {
		stateHandler = func(schema.FeedState) {}
	}

	ctx, cancel := context.WithCancel(ctx)

	go func() {
		attempts := 0
		for {
			if ctx.Err() != nil {
				stateHandler(schema.FeedClosed)
				return
			}

			err := c.streamOnce(ctx, handler, stateHandler)
			if ctx.Err() != nil {
				stateHandler(schema.FeedClosed)
				return
			}

			attempts++
			c.logger.Warn("change feed interrupted",
				slog.Int("attempt", attempts),
				slog.String("error", errString(err)))

			if attempts >= maxFeedAttempts {
				stateHandler(schema.FeedClosed)
				return
			}
			stateHandler(schema.FeedDegraded)

			// Exponential-ish backoff before reconnecting, same shape as
			// the query client's retry loop.
			select {
			case <-ctx.Done():
				stateHandler(schema.FeedClosed)
				return
			case <-time.After(time.Duration(attempts) * 200 * time.Millisecond):
			}
		}
	}()

	return cancel, nil
}

// streamOnce opens the feed and pumps events until the connection breaks.
func (c *Client) streamOnce(ctx context.Context, handler func(schema.ChangeEvent), stateHandler func(schema.FeedState)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/feed", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// The streaming request must not inherit the query client's timeout.
	streamClient := &http.Client{Transport: c.http.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		return core.ErrUnavailable
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return core.ErrUnavailable
	}

	stateHandler(schema.FeedConnected)

	// Minimal SSE frame reader: "data:" lines carry the JSON payload, a
	// blank line ends the frame. The query side of this client reads its
	// wire the same line-oriented way.
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		case line == "":
			if data.Len() > 0 {
				var ev schema.ChangeEvent
				if err := json.Unmarshal([]byte(data.String()), &ev); err != nil {
					c.logger.Warn("undecodable feed frame dropped",
						slog.String("error", err.Error()))
				} else {
					handler(ev)
				}
				data.Reset()
			}
		default:
			// event:/id:/retry: fields and comments are irrelevant here.
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return core.ErrUnavailable
}

func errString(err error) string {
	if err == nil {
		return "stream ended"
	}
	return err.Error()
}
