package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// wsReadLimit bounds a single websocket message. Protocol lines are written one per
// message and are smaller than this.
const wsReadLimit = 16 * 1024 * 1024

// WS carries the pair over two websockets on a loopback TCP address, authenticated with
// mTLS. The name passed to Listen and Dial is the host:port address.
type WS struct {
	log      *zap.SugaredLogger
	material TLSMaterial

	// RetryMax bounds dial retries while the worker is still starting.
	RetryMax int
	// RetryWait is the delay between dial retries.
	RetryWait time.Duration
}

func NewWS(log *zap.SugaredLogger, material TLSMaterial) *WS {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &WS{
		log:       log.Named("ws"),
		material:  material,
		RetryMax:  20,
		RetryWait: 50 * time.Millisecond,
	}
}

func (w *WS) Kind() Kind { return KindWS }

func (w *WS) Listen(ctx context.Context, addr string) (Listener, error) {
	tlsConfig, err := w.material.ServerConfig()
	if err != nil {
		return nil, fmt.Errorf("building server TLS config: %w", err)
	}
	tcpListener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening TCP: %w", err)
	}

	server := &http.Server{ReadHeaderTimeout: 10 * time.Second}
	l := newPairListener(tcpListener.Addr().String(), func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return ignoreClosed(server.Shutdown(shutdownCtx))
	})

	router := httprouter.New()
	router.GET("/control", w.streamHandler(l, l.controls))
	router.GET("/events", w.streamHandler(l, l.events))
	server.Handler = router

	go func() {
		err := server.Serve(tls.NewListener(tcpListener, tlsConfig))
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			w.log.Debugf("serving: %s", err)
		}
	}()
	go func() {
		select {
		case <-ctx.Done():
			_ = l.Close()
		case <-l.done:
		}
	}()
	w.log.Debugw("listening", "addr", l.addr)
	return l, nil
}

// streamHandler upgrades the first request on a route and hands the stream to the
// listener. The handler blocks for the life of the stream because the stream is bound to
// the request context.
func (w *WS) streamHandler(l *pairListener, ch chan net.Conn) httprouter.Handle {
	var taken sync.Once
	return func(rw http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		first := false
		taken.Do(func() { first = true })
		if !first {
			http.Error(rw, "stream already connected", http.StatusConflict)
			return
		}
		wsConn, err := websocket.Accept(rw, r, nil)
		if err != nil {
			w.log.Debugf("error accepting WebSocket conn: %s", err)
			return
		}
		wsConn.SetReadLimit(wsReadLimit)
		conn := &notifyConn{
			Conn:   websocket.NetConn(r.Context(), wsConn, websocket.MessageText),
			closed: make(chan struct{}),
		}
		if !l.offer(ch, conn) {
			return
		}
		select {
		case <-conn.closed:
		case <-r.Context().Done():
		}
	}
}

type notifyConn struct {
	net.Conn
	once   sync.Once
	closed chan struct{}
}

func (c *notifyConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return c.Conn.Close()
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

func (w *WS) httpClient(addr string) (*http.Client, error) {
	tlsConfig, err := w.material.ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("building client TLS config: %w", err)
	}
	// Dial the real address while the URL carries ServerName, so certificate
	// verification does not depend on name resolution.
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	dialCtx := func(ctx context.Context, _, _ string) (net.Conn, error) {
		return dialer.DialContext(ctx, "tcp", addr)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{
		Transport: &http.Transport{
			DialContext:     dialCtx,
			TLSClientConfig: tlsConfig,
		},
	}
	retryClient.RetryMax = w.RetryMax
	wait := w.RetryWait
	retryClient.Backoff = func(_, _ time.Duration, _ int, _ *http.Response) time.Duration {
		return wait
	}
	retryClient.Logger = &logAdapter{SugaredLogger: w.log}
	return retryClient.StandardClient(), nil
}

func (w *WS) Dial(ctx context.Context, addr string) (*Pair, error) {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("parsing address %q: %w", addr, err)
	}
	client, err := w.httpClient(addr)
	if err != nil {
		return nil, err
	}
	baseURL := fmt.Sprintf("wss://%s:%s", ServerName, port)

	// the streams outlive the dial context
	streamCtx := context.WithoutCancel(ctx)
	dial := func(path string) (net.Conn, error) {
		c, _, err := websocket.Dial(ctx, baseURL+path, &websocket.DialOptions{HTTPClient: client})
		if err != nil {
			return nil, fmt.Errorf("dialing %s: %w", path, err)
		}
		c.SetReadLimit(wsReadLimit)
		return websocket.NetConn(streamCtx, c, websocket.MessageText), nil
	}

	control, err := dial("/control")
	if err != nil {
		return nil, err
	}
	events, err := dial("/events")
	if err != nil {
		control.Close()
		return nil, err
	}
	return NewPair(control, events), nil
}
