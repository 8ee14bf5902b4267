// Package gesture adapts the external gesture-analysis daemon to the
// liveness.Detector contract. The daemon pushes callbacks at its own pace
// over a local WebSocket; a single-slot signal channel turns that callback
// stream into a blocking wait with a timeout.
package gesture

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/example/liveness-check/internal/faults"
	"github.com/example/liveness-check/internal/liveness"
)

const (
	// DefaultVerdictTimeout bounds how long Evaluate waits for the daemon to
	// call back after a frame was submitted.
	DefaultVerdictTimeout = 2500 * time.Millisecond

	defaultDialTimeout = 5 * time.Second
	closeGracePeriod   = 2 * time.Second
)

// frameMessage is the outbound daemon message carrying one decoded frame as
// raw RGBA pixels.
type frameMessage struct {
	Type    string `json:"type"`
	Attempt int    `json:"attempt"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
	Pixels  string `json:"pixels"`
}

// callbackMessage is an inbound daemon callback. Two kinds share the
// connection: "alive" verdicts and freeform "message" updates.
type callbackMessage struct {
	Type   string `json:"type"`
	Alive  bool   `json:"alive"`
	Reason string `json:"reason"`
	Text   string `json:"text"`
}

// Detector talks to the gesture daemon. The connection is dialed lazily on
// the first Evaluate; the read pump is the daemon's delivery goroutine and
// shares one mutex with Evaluate for the recorded verdict state.
//
// Overlapping Evaluate calls on one instance are unsupported: there is a
// single wait signal and a single verdict slot. liveness.Session serializes
// callers.
type Detector struct {
	url     string
	timeout time.Duration
	dialer  *websocket.Dialer
	logger  *zap.Logger

	// signals wakes the caller blocked in Evaluate. Capacity one: a verdict
	// that arrives while nobody waits is remembered, never queued up.
	signals chan struct{}

	writeMu sync.Mutex

	mu         sync.Mutex
	conn       *websocket.Conn
	started    bool
	lastAlive  bool
	lastReason string
}

var _ liveness.Detector = (*Detector)(nil)

// NewDetector builds a detector for the gesture daemon at daemonURL. No
// connection is established until the first Evaluate.
func NewDetector(daemonURL string, verdictTimeout time.Duration, logger *zap.Logger) *Detector {
	if verdictTimeout <= 0 {
		verdictTimeout = DefaultVerdictTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{
		url:     daemonURL,
		timeout: verdictTimeout,
		dialer:  websocket.DefaultDialer,
		logger:  logger,
		signals: make(chan struct{}, 1),
	}
}

// Evaluate implements liveness.Detector. The frame must decode as a raster
// image; the decoded pixels are submitted to the daemon and the call blocks
// until the daemon delivers an alive verdict or the timeout elapses.
func (d *Detector) Evaluate(ctx context.Context, frame []byte, attempt int) (liveness.Result, error) {
	img, _, err := image.Decode(bytes.NewReader(frame))
	if err != nil {
		return liveness.Result{}, faults.NewValidation("frame is not a decodable image", err)
	}

	if err := d.ensureStarted(ctx); err != nil {
		return liveness.Result{}, err
	}

	// Drop any verdict left over from a previous frame before submitting.
	select {
	case <-d.signals:
	default:
	}

	if err := d.submit(img, attempt); err != nil {
		return liveness.Result{}, err
	}

	select {
	case <-d.signals:
	case <-time.After(d.timeout):
		return liveness.Result{}, faults.NewTimeout(fmt.Sprintf("gesture daemon returned no verdict within %s", d.timeout))
	}

	d.mu.Lock()
	alive := d.lastAlive
	reason := d.lastReason
	d.mu.Unlock()

	confidence := 0.0
	if alive {
		confidence = 1.0
	}
	return liveness.Result{
		IsLive:     alive,
		Confidence: confidence,
		Reason:     reason,
		Timestamp:  time.Now().UTC(),
	}, nil
}

// ensureStarted dials the daemon on first use. The state mutex is held across
// the dial so a second caller cannot race a duplicate connection.
func (d *Detector) ensureStarted(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return nil
	}

	dialCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, defaultDialTimeout)
		defer cancel()
	}

	conn, resp, err := d.dialer.DialContext(dialCtx, d.url, nil)
	if err != nil {
		if resp != nil {
			return faults.NewStartup(fmt.Sprintf("gesture daemon rejected the connection (status %d)", resp.StatusCode), err)
		}
		return faults.NewStartup("gesture daemon is not reachable", err)
	}

	d.conn = conn
	d.started = true
	go d.readPump(conn)

	d.logger.Info("gesture daemon connected", zap.String("url", d.url))
	return nil
}

func (d *Detector) submit(img image.Image, attempt int) error {
	bounds := img.Bounds()
	raster := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(raster, raster.Bounds(), img, bounds.Min, draw.Src)

	msg := frameMessage{
		Type:    "frame",
		Attempt: attempt,
		Width:   bounds.Dx(),
		Height:  bounds.Dy(),
		Pixels:  base64.StdEncoding.EncodeToString(raster.Pix),
	}

	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return faults.NewStartup("gesture daemon connection is gone", nil)
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if err := conn.WriteJSON(msg); err != nil {
		return faults.NewRemote("gesture", "submit frame", err)
	}
	return nil
}

// readPump records the latest verdict under the state mutex and then signals
// the waiting caller without blocking. It runs until the connection drops.
func (d *Detector) readPump(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				d.logger.Debug("gesture read pump stopped", zap.Error(err))
			}
			return
		}

		var msg callbackMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			d.logger.Debug("discarding undecodable gesture callback", zap.Error(err))
			continue
		}

		switch msg.Type {
		case "alive":
			d.mu.Lock()
			d.lastAlive = msg.Alive
			if msg.Reason != "" {
				d.lastReason = msg.Reason
			}
			d.mu.Unlock()
			select {
			case d.signals <- struct{}{}:
			default:
			}
		case "message":
			d.mu.Lock()
			d.lastReason = msg.Text
			d.mu.Unlock()
		}
	}
}

// ResetSession clears the recorded verdict and drains the wait signal without
// stopping the daemon, so detector state cannot leak across capture sessions.
func (d *Detector) ResetSession() {
	d.mu.Lock()
	d.lastAlive = false
	d.lastReason = ""
	d.mu.Unlock()

	select {
	case <-d.signals:
	default:
	}
}

// Close disconnects from the daemon if a connection was ever established.
// Calling it again is a no-op; a later Evaluate dials fresh.
func (d *Detector) Close() error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return nil
	}
	conn := d.conn
	d.started = false
	d.conn = nil
	d.mu.Unlock()

	d.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(closeGracePeriod))
	d.writeMu.Unlock()
	return conn.Close()
}
