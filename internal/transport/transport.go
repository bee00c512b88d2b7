// Package transport 持有加密 WebSocket 连接：拨号、逐帧收发、关闭
package transport

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/deritrader/internal/rpcerr"
	"github.com/betbot/deritrader/pkg/syncgroup"
)

var log = logrus.WithField("component", "transport")

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	closeFrameTimeout       = time.Second
)

// Config describes where and how to connect.
type Config struct {
	URL              string // e.g. wss://test.deribit.com/ws/api/v2
	ProxyURL         string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration // 0 disables client pings
	ReadBufferSize   int
	WriteBufferSize  int
	TLSConfig        *tls.Config // nil uses the system trust roots
}

type status int32

const (
	statusIdle status = iota
	statusOpen
	statusClosing
	statusClosed
	statusFailed
)

// Transport owns exactly one socket. Sends are serialized; only ReceiveLoop reads.
type Transport struct {
	cfg Config

	conn    *websocket.Conn
	connMu  sync.RWMutex
	writeMu sync.Mutex

	status      atomic.Int32
	closeOnce   sync.Once
	releaseOnce sync.Once
	closeC      chan struct{}
	sg          *syncgroup.SyncGroup
}

// New creates an unconnected transport.
func New(cfg Config) *Transport {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	return &Transport{
		cfg:    cfg,
		closeC: make(chan struct{}),
		sg:     syncgroup.NewSyncGroup(),
	}
}

// URL returns the endpoint this transport dials.
func (t *Transport) URL() string { return t.cfg.URL }

// Connect resolves, dials, completes TLS and upgrades to WebSocket.
// On failure nothing is left open and a *rpcerr.ConnectError is returned.
func (t *Transport) Connect(ctx context.Context) error {
	if !t.status.CompareAndSwap(int32(statusIdle), int32(statusOpen)) {
		return errors.Errorf("transport already used (status=%d)", t.status.Load())
	}

	u, err := url.Parse(t.cfg.URL)
	if err != nil || u.Host == "" {
		t.status.Store(int32(statusFailed))
		return &rpcerr.ConnectError{Stage: rpcerr.StageDial, URL: t.cfg.URL, Err: errors.Errorf("invalid url %q", t.cfg.URL)}
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: t.cfg.HandshakeTimeout,
		ReadBufferSize:   t.cfg.ReadBufferSize,
		WriteBufferSize:  t.cfg.WriteBufferSize,
		TLSClientConfig:  t.cfg.TLSConfig,
		Proxy:            http.ProxyFromEnvironment,
	}
	if t.cfg.ProxyURL != "" {
		proxyURL, err := url.Parse(t.cfg.ProxyURL)
		if err != nil {
			t.status.Store(int32(statusFailed))
			return &rpcerr.ConnectError{Stage: rpcerr.StageDial, URL: t.cfg.URL, Err: errors.Wrap(err, "invalid proxy url")}
		}
		dialer.Proxy = http.ProxyURL(proxyURL)
		log.Infof("connecting via proxy %s", t.cfg.ProxyURL)
	}

	conn, resp, err := dialer.DialContext(ctx, t.cfg.URL, nil)
	if err != nil {
		t.status.Store(int32(statusFailed))
		return &rpcerr.ConnectError{Stage: classifyDialError(err, resp), URL: t.cfg.URL, Err: err}
	}

	t.connMu.Lock()
	t.conn = conn
	t.connMu.Unlock()

	if t.cfg.PingInterval > 0 {
		t.sg.Add(t.pingLoop)
		t.sg.Run()
	}

	log.Infof("connected to %s", t.cfg.URL)
	return nil
}

func classifyDialError(err error, resp *http.Response) string {
	if resp != nil || errors.Is(err, websocket.ErrBadHandshake) {
		return rpcerr.StageHandshake
	}
	var recordErr tls.RecordHeaderError
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &recordErr) || errors.As(err, &certErr) {
		return rpcerr.StageTLS
	}
	var dnsErr *net.DNSError
	var opErr *net.OpError
	if errors.As(err, &dnsErr) || errors.As(err, &opErr) {
		return rpcerr.StageDial
	}
	return rpcerr.StageHandshake
}

// Send writes one complete text frame.
func (t *Transport) Send(frame []byte) error {
	if status(t.status.Load()) != statusOpen {
		return rpcerr.ErrNotConnected
	}
	t.connMu.RLock()
	conn := t.conn
	t.connMu.RUnlock()
	if conn == nil {
		return rpcerr.ErrNotConnected
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return errors.Wrap(err, "write frame")
	}
	return nil
}

// ReceiveLoop blocks reading frames and hands each text frame to onFrame.
// It returns nil after Close, or the read error that ended the connection.
func (t *Transport) ReceiveLoop(onFrame func(frame []byte)) error {
	t.connMu.RLock()
	conn := t.conn
	t.connMu.RUnlock()
	if conn == nil {
		return rpcerr.ErrNotConnected
	}

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if t.closing() {
				log.Debugf("receive loop stopped: %v", err)
				return nil
			}
			t.status.Store(int32(statusFailed))
			_ = t.release()
			log.Warnf("receive loop failed: %v", err)
			return errors.Wrap(err, "read frame")
		}
		if msgType != websocket.TextMessage {
			continue
		}
		onFrame(data)
	}
}

func (t *Transport) closing() bool {
	s := status(t.status.Load())
	return s == statusClosing || s == statusClosed
}

// Close sends a normal close frame and releases the socket. Safe to call
// repeatedly and from any state.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		prev := status(t.status.Swap(int32(statusClosing)))

		t.connMu.RLock()
		conn := t.conn
		t.connMu.RUnlock()

		if conn != nil && prev == statusOpen {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			if werr := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeFrameTimeout)); werr != nil {
				log.Debugf("close frame not sent: %v", werr)
			}
		}
		err = t.release()
		t.status.Store(int32(statusClosed))
		t.sg.Wait()
	})
	return err
}

// release closes the socket once; it does not wait for the ping loop.
func (t *Transport) release() error {
	var err error
	t.releaseOnce.Do(func() {
		close(t.closeC)
		t.connMu.Lock()
		conn := t.conn
		t.conn = nil
		t.connMu.Unlock()
		if conn != nil {
			err = conn.Close()
		}
	})
	return err
}

// Failed reports whether the connection ended with an I/O error.
func (t *Transport) Failed() bool {
	return status(t.status.Load()) == statusFailed
}

func (t *Transport) pingLoop() {
	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.closeC:
			return
		case <-ticker.C:
			t.connMu.RLock()
			conn := t.conn
			t.connMu.RUnlock()
			if conn == nil {
				return
			}
			// WriteControl 可与 WriteMessage 并发调用
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.cfg.WriteTimeout)); err != nil {
				log.Warnf("ping failed: %v", err)
				return
			}
		}
	}
}
