package presence

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
)

// feedEvent is the wire format of one presence push.
type feedEvent struct {
	UserID       string    `json:"userId"`
	IsOnline     bool      `json:"isOnline"`
	LastActiveAt time.Time `json:"lastActiveAt"`
}

// Feed consumes a websocket stream of presence pushes and applies them to a
// Tracker. Dropped connections are redialed; a rate limiter paces the dial
// attempts so a flapping endpoint cannot cause a connect storm.
type Feed struct {
	url     string
	tracker *Tracker
	log     *slog.Logger
	limiter *rate.Limiter
}

// NewFeed returns a feed for the given websocket URL.
func NewFeed(url string, tracker *Tracker, log *slog.Logger) *Feed {
	if log == nil {
		log = slog.Default()
	}
	return &Feed{
		url:     url,
		tracker: tracker,
		log:     log,
		limiter: rate.NewLimiter(rate.Every(2*time.Second), 1),
	}
}

// Run dials the feed and consumes events until ctx is done. It returns nil on
// cancellation; dial and read errors are logged and retried.
func (f *Feed) Run(ctx context.Context) error {
	for {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil
		}

		conn, _, err := websocket.Dial(ctx, f.url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			f.log.Warn("presence feed dial failed", "url", f.url, "err", err)
			continue
		}

		err = f.consume(ctx, conn)
		conn.Close(websocket.StatusNormalClosure, "")
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			f.log.Warn("presence feed dropped", "url", f.url, "err", err)
		}
	}
}

func (f *Feed) consume(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		p, err := decodeEvent(data)
		if err != nil {
			// Malformed frames are dropped, not fatal to the feed.
			f.log.Warn("presence event decode failed", "err", err)
			continue
		}
		f.tracker.Observe(p)
	}
}

func decodeEvent(data []byte) (Presence, error) {
	var ev feedEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return Presence{}, err
	}
	return Presence{UserID: ev.UserID, Online: ev.IsOnline, LastActiveAt: ev.LastActiveAt}, nil
}
