// Package coinbase streams the level2 channel of one product from the exchange
// websocket feed into the raw feed channel.
package coinbase

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	appconfig "bookmirror/config"
	"bookmirror/internal/channel/feed"
	"bookmirror/logger"
	"bookmirror/models"
)

// State is the lifecycle of the single feed connection. There is no reconnect:
// once Disconnected the reader is done.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Status describes the feed connection for the console and the HTTP API.
type Status struct {
	State    string    `json:"state"`
	Session  string    `json:"session,omitempty"`
	Endpoint string    `json:"endpoint"`
	Since    time.Time `json:"since"`
	Frames   int64     `json:"frames"`
	Error    string    `json:"error,omitempty"`
}

type Level2Reader struct {
	config     *appconfig.Config
	channels   *feed.Channels
	ctx        context.Context
	wg         *sync.WaitGroup
	mu         sync.RWMutex
	running    bool
	log        *logger.Log
	instrument string
	endpoint   string

	state   State
	since   time.Time
	session string
	frames  int64
	lastErr error
}

// NewLevel2Reader creates a reader for instrument.
func NewLevel2Reader(cfg *appconfig.Config, ch *feed.Channels, instrument string) *Level2Reader {
	return &Level2Reader{
		config:     cfg,
		channels:   ch,
		wg:         &sync.WaitGroup{},
		log:        logger.GetLogger(),
		instrument: instrument,
		endpoint:   cfg.Feed.Endpoint(),
		since:      time.Now().UTC(),
	}
}

// Start dials the feed in the background. The raw channel is closed when the
// stream ends for any reason.
func (r *Level2Reader) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("level2 reader already running")
	}
	r.running = true
	r.ctx = ctx
	r.mu.Unlock()

	r.log.WithComponent("level2_reader").WithFields(logger.Fields{
		"operation":  "start",
		"instrument": r.instrument,
		"endpoint":   r.endpoint,
	}).Info("starting level2 reader")

	logger.RegisterReportFields("feed", func() logger.Fields {
		s := r.Status()
		return logger.Fields{"state": s.State, "frames": s.Frames}
	})

	r.wg.Add(1)
	go r.stream()
	return nil
}

// Stop waits for the stream goroutine. Cancel the Start context first.
func (r *Level2Reader) Stop() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()
	r.log.WithComponent("level2_reader").Info("stopping level2 reader")
	r.wg.Wait()
	logger.RegisterReportFields("feed", nil)
	r.log.WithComponent("level2_reader").Info("level2 reader stopped")
}

// Status returns the current connection state.
func (r *Level2Reader) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Status{
		State:    r.state.String(),
		Session:  r.session,
		Endpoint: r.endpoint,
		Since:    r.since,
		Frames:   r.frames,
	}
	if r.lastErr != nil {
		s.Error = r.lastErr.Error()
	}
	return s
}

func (r *Level2Reader) setState(state State, err error) {
	r.mu.Lock()
	r.state = state
	r.since = time.Now().UTC()
	r.lastErr = err
	r.mu.Unlock()
}

func (r *Level2Reader) dialer() *websocket.Dialer {
	dialer := &websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: r.config.Feed.HandshakeTimeout,
	}
	if ip := net.ParseIP(r.config.Feed.LocalIP); ip != nil {
		dialer.NetDialContext = (&net.Dialer{LocalAddr: &net.TCPAddr{IP: ip}}).DialContext
	}
	return dialer
}

func (r *Level2Reader) stream() {
	defer r.wg.Done()
	defer r.channels.CloseRaw()

	log := r.log.WithComponent("level2_reader").WithFields(logger.Fields{"instrument": r.instrument})

	session := uuid.New().String()
	r.mu.Lock()
	r.session = session
	r.mu.Unlock()
	r.setState(StateConnecting, nil)

	conn, resp, err := r.dialer().DialContext(r.ctx, r.endpoint, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		r.finish(log, fmt.Errorf("dial %s: %w", r.endpoint, err))
		return
	}
	defer conn.Close()

	channel := r.config.Feed.Channel
	if channel == "" {
		channel = "level2"
	}
	sub := models.SubscribeRequest{
		Type:       "subscribe",
		ProductIDs: []string{r.instrument},
		Channels:   []string{channel},
	}
	if err := conn.WriteJSON(sub); err != nil {
		r.finish(log, fmt.Errorf("subscribe: %w", err))
		return
	}

	r.setState(StateConnected, nil)
	log.WithFields(logger.Fields{"session": session, "channel": channel}).Info("subscribed to feed")

	// Unblock ReadMessage on shutdown.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-r.ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		if rt := r.config.Feed.ReadTimeout; rt > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(rt))
		}
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			r.finish(log, fmt.Errorf("read: %w", err))
			return
		}
		if msgType != websocket.TextMessage {
			log.WithFields(logger.Fields{"message_type": msgType, "bytes": len(data)}).Warn("skipping non-text frame")
			continue
		}

		r.mu.Lock()
		r.frames++
		r.mu.Unlock()

		if !r.channels.SendRaw(r.ctx, models.RawFeedMessage{
			Session:   session,
			Data:      data,
			Timestamp: time.Now().UTC(),
		}) {
			r.finish(log, r.ctx.Err())
			return
		}
	}
}

// finish records why the stream ended. A cancelled context is a clean stop,
// anything else leaves the reader disconnected with the cause.
func (r *Level2Reader) finish(log *logger.Entry, err error) {
	if r.ctx.Err() != nil || errors.Is(err, context.Canceled) {
		r.setState(StateStopped, nil)
		log.Info("feed stream closed")
		return
	}
	r.setState(StateDisconnected, err)
	log.WithError(err).Error("feed disconnected; no further updates will be applied")
}
