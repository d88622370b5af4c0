package jobcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ssd-technologies/quorum/internal/ratelimit"
)

// FeedMessage is the JSON frame a remote feeder sends.
type FeedMessage struct {
	Type    string          `json:"type"` // "hello", "vacancies", "fill", "bye"
	Payload json.RawMessage `json:"payload,omitempty"`
}

// FeedResponse is the JSON frame sent back to the feeder.
type FeedResponse struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type helloPayload struct {
	FeederID string `json:"feeder_id"`
}

type fillPayload struct {
	Index int   `json:"index"`
	Entry Entry `json:"entry"`
}

type errorPayload struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

const (
	codeBusy       = "busy"
	codeOutOfRange = "out_of_range"
	codeRateLimit  = "rate_limit"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleFeed returns an HTTP handler that upgrades to a websocket and lets
// a remote feeder read vacancies from and fill slots of c. rate bounds the
// frames accepted per minute on one connection.
func HandleFeed(c Cache, rate int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[jobcache] feed upgrade error: %v", err)
			return
		}
		defer conn.Close()

		limiter := ratelimit.New(rate, time.Minute)
		feeder := r.RemoteAddr

		for {
			var msg FeedMessage
			if err := conn.ReadJSON(&msg); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Printf("[jobcache] feed read error from %s: %v", feeder, err)
				}
				return
			}
			if !limiter.Allow() {
				writeFeedError(conn, "rate limit exceeded", codeRateLimit)
				continue
			}

			ctx := r.Context()
			switch msg.Type {
			case "hello":
				var p helloPayload
				if err := json.Unmarshal(msg.Payload, &p); err != nil || p.FeederID == "" {
					writeFeedError(conn, "invalid hello payload", "")
					continue
				}
				feeder = p.FeederID
				log.Printf("[jobcache] feeder %s connected from %s", feeder, r.RemoteAddr)
				if err := writeFeed(conn, "welcome", map[string]int{"size": c.Len()}); err != nil {
					return
				}

			case "vacancies":
				v, err := vacanciesOf(ctx, c)
				if err != nil {
					writeFeedError(conn, err.Error(), "")
					continue
				}
				if err := writeFeed(conn, "vacancies", v); err != nil {
					return
				}

			case "fill":
				var p fillPayload
				if err := json.Unmarshal(msg.Payload, &p); err != nil {
					writeFeedError(conn, "invalid fill payload", "")
					continue
				}
				switch err := c.Fill(ctx, p.Index, p.Entry); {
				case errors.Is(err, ErrSlotBusy):
					writeFeedError(conn, err.Error(), codeBusy)
				case errors.Is(err, ErrOutOfRange):
					writeFeedError(conn, err.Error(), codeOutOfRange)
				case err != nil:
					writeFeedError(conn, err.Error(), "")
				default:
					if err := writeFeed(conn, "filled", map[string]int{"index": p.Index}); err != nil {
						return
					}
				}

			case "bye":
				_ = writeFeed(conn, "bye", nil)
				return

			default:
				writeFeedError(conn, "unknown message type: "+msg.Type, "")
			}
		}
	}
}

func writeFeed(conn *websocket.Conn, typ string, payload any) error {
	resp := FeedResponse{Type: typ}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		resp.Payload = b
	}
	if err := conn.WriteJSON(resp); err != nil {
		log.Printf("[jobcache] feed write error: %v", err)
		return err
	}
	return nil
}

func writeFeedError(conn *websocket.Conn, message, code string) {
	_ = writeFeed(conn, "error", errorPayload{Error: message, Code: code})
}

// FeedClient is a Sink backed by a scheduler's feed endpoint. Calls are
// serialized over one connection.
type FeedClient struct {
	mu   sync.Mutex
	conn *websocket.Conn
	size int
}

// DialFeed connects to a feed endpoint (ws:// or wss:// URL) and introduces
// the feeder by id.
func DialFeed(ctx context.Context, url, feederID string) (*FeedClient, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial feed: %w", err)
	}
	fc := &FeedClient{conn: conn}
	var welcome struct {
		Size int `json:"size"`
	}
	if err := fc.call(ctx, "hello", helloPayload{FeederID: feederID}, "welcome", &welcome); err != nil {
		conn.Close()
		return nil, err
	}
	fc.size = welcome.Size
	return fc, nil
}

// Size is the remote cache size reported at connect time.
func (fc *FeedClient) Size() int { return fc.size }

func (fc *FeedClient) Vacancies(ctx context.Context) (Vacancies, error) {
	var v Vacancies
	err := fc.call(ctx, "vacancies", nil, "vacancies", &v)
	return v, err
}

func (fc *FeedClient) Fill(ctx context.Context, index int, e Entry) error {
	return fc.call(ctx, "fill", fillPayload{Index: index, Entry: e}, "filled", nil)
}

// Close says goodbye and closes the connection.
func (fc *FeedClient) Close() error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	_ = fc.conn.WriteJSON(FeedMessage{Type: "bye"})
	return fc.conn.Close()
}

func (fc *FeedClient) call(ctx context.Context, typ string, payload any, want string, out any) error {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	if dl, ok := ctx.Deadline(); ok {
		fc.conn.SetWriteDeadline(dl)
		fc.conn.SetReadDeadline(dl)
		defer func() {
			fc.conn.SetWriteDeadline(time.Time{})
			fc.conn.SetReadDeadline(time.Time{})
		}()
	}

	msg := FeedMessage{Type: typ}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s: %w", typ, err)
		}
		msg.Payload = b
	}
	if err := fc.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("feed %s: %w", typ, err)
	}
	var resp FeedResponse
	if err := fc.conn.ReadJSON(&resp); err != nil {
		return fmt.Errorf("feed %s: %w", typ, err)
	}
	if resp.Type == "error" {
		var e errorPayload
		_ = json.Unmarshal(resp.Payload, &e)
		switch e.Code {
		case codeBusy:
			return ErrSlotBusy
		case codeOutOfRange:
			return ErrOutOfRange
		}
		return fmt.Errorf("feed %s: %s", typ, e.Error)
	}
	if resp.Type != want {
		return fmt.Errorf("feed %s: unexpected response %q", typ, resp.Type)
	}
	if out != nil && len(resp.Payload) > 0 {
		if err := json.Unmarshal(resp.Payload, out); err != nil {
			return fmt.Errorf("decode %s: %w", want, err)
		}
	}
	return nil
}
