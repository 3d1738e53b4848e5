package snapshot

import (
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Event tells editors that a category's graph changed and should be refetched.
type Event struct {
	Category string    `json:"category"`
	Reason   string    `json:"reason"`
	At       time.Time `json:"at"`
}

// Feed fans change events out to subscribers. Slow subscribers drop events
// rather than block writers.
type Feed struct {
	mu       sync.Mutex
	subs     map[*subscription]struct{}
	logger   *zap.Logger
	origins  []string
	upgrader websocket.Upgrader
}

type subscription struct {
	category string
	ch       chan Event
}

// NewFeed creates a feed. Browsers may only open the websocket from the
// server's own origin or one matching allowedOrigins, which use the same
// patterns as the CORS config ("*" or e.g. "http://localhost:*").
func NewFeed(logger *zap.Logger, allowedOrigins ...string) *Feed {
	f := &Feed{subs: make(map[*subscription]struct{}), logger: logger, origins: allowedOrigins}
	f.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     f.checkOrigin,
	}
	return f
}

// checkOrigin accepts requests without an Origin header (non-browser
// clients), same-origin requests and configured origins.
func (f *Feed) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if u, err := url.Parse(origin); err == nil && strings.EqualFold(u.Host, r.Host) {
		return true
	}
	for _, p := range f.origins {
		if p == "*" {
			return true
		}
		if ok, _ := path.Match(strings.ToLower(p), strings.ToLower(origin)); ok {
			return true
		}
	}
	f.logger.Warn("change feed origin rejected", zap.String("origin", origin))
	return false
}

// Subscribe returns a channel of events for category, or for every category
// when category is empty, and a function that ends the subscription.
func (f *Feed) Subscribe(category string) (<-chan Event, func()) {
	s := &subscription{category: category, ch: make(chan Event, 16)}
	f.mu.Lock()
	f.subs[s] = struct{}{}
	f.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, s)
			f.mu.Unlock()
			close(s.ch)
		})
	}
}

// Publish delivers ev to every matching subscriber.
func (f *Feed) Publish(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for s := range f.subs {
		if s.category != "" && s.category != ev.Category {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			f.logger.Warn("change feed subscriber is slow, dropping event", zap.String("category", ev.Category))
		}
	}
}

// Subscribers returns the number of open subscriptions.
func (f *Feed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// ServeWS upgrades the request and streams events for category until the
// client disconnects.
func (f *Feed) ServeWS(w http.ResponseWriter, r *http.Request, category string) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Warn("change feed upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	events, cancel := f.Subscribe(category)
	defer cancel()

	// The client never sends anything meaningful; reading detects the close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					f.logger.Debug("change feed read", zap.Error(err))
				}
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				f.logger.Debug("change feed write", zap.Error(err))
				return
			}
		}
	}
}
