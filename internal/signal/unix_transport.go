package signal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
)

// UnixSocketTransport implements Transport using a UNIX socket.
type UnixSocketTransport struct {
	conn   net.Conn
	logger *slog.Logger

	// Request tracking
	requestID atomic.Uint64
	pending   map[string]chan *rpcResponse
	pendingMu sync.Mutex

	// Notifications wait in backlog until pump hands them to the
	// subscriber, so readLoop keeps reading responses during a burst.
	notifications chan *Notification
	backlog       []*Notification
	backlogMu     sync.Mutex
	wake          chan struct{}

	done      chan struct{}
	pumpDone  chan struct{}
	stopCh    chan struct{}
	closeOnce sync.Once
}

// DialUnixSocket connects to signal-cli's JSON-RPC socket.
func DialUnixSocket(ctx context.Context, socketPath string, logger *slog.Logger) (*UnixSocketTransport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to signal-cli socket: %w", err)
	}
	return newUnixSocketTransport(conn, logger), nil
}

func newUnixSocketTransport(conn net.Conn, logger *slog.Logger) *UnixSocketTransport {
	if logger == nil {
		logger = slog.Default()
	}
	t := &UnixSocketTransport{
		conn:          conn,
		logger:        logger.With(slog.String("component", "signal.transport")),
		pending:       make(map[string]chan *rpcResponse),
		notifications: make(chan *Notification, 100),
		wake:          make(chan struct{}, 1),
		done:          make(chan struct{}),
		pumpDone:      make(chan struct{}),
		stopCh:        make(chan struct{}),
	}
	go t.readLoop()
	go t.pump()
	return t
}

// Call implements Transport.Call.
func (t *UnixSocketTransport) Call(ctx context.Context, method string, params any) (*json.RawMessage, error) {
	id := "req-" + strconv.FormatUint(t.requestID.Add(1), 10)

	data, err := json.Marshal(&rpcRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	respChan := make(chan *rpcResponse, 1)
	t.pendingMu.Lock()
	t.pending[id] = respChan
	t.pendingMu.Unlock()

	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
	}()

	if _, writeErr := fmt.Fprintf(t.conn, "%s\n", data); writeErr != nil {
		return nil, fmt.Errorf("failed to send %s request: %w", method, writeErr)
	}

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("context cancelled while waiting for %s response: %w", method, ctx.Err())
	case <-t.done:
		return nil, fmt.Errorf("%s: %w", method, ErrTransportClosed)
	case resp := <-respChan:
		if resp.Error != nil {
			return nil, &RPCError{
				Code:    resp.Error.Code,
				Message: resp.Error.Message,
				Data:    resp.Error.Data,
			}
		}
		return resp.Result, nil
	}
}

// readLoop reads newline-delimited JSON until the socket closes. It never
// blocks on the subscriber: notifications are queued for pump.
func (t *UnixSocketTransport) readLoop() {
	defer close(t.done)

	scanner := bufio.NewScanner(t.conn)
	scanner.Buffer(make([]byte, 1024*1024), 10*1024*1024)

	for scanner.Scan() {
		select {
		case <-t.stopCh:
			return
		default:
		}

		line := scanner.Bytes()

		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err == nil && resp.ID != "" {
			t.pendingMu.Lock()
			if ch, ok := t.pending[resp.ID]; ok {
				ch <- &resp
			}
			t.pendingMu.Unlock()
			continue
		}

		var notif Notification
		if err := json.Unmarshal(line, &notif); err == nil && notif.Method != "" {
			t.enqueue(&notif)
			continue
		}

		t.logger.Debug("ignoring unrecognized line", slog.Int("bytes", len(line)))
	}

	if err := scanner.Err(); err != nil {
		t.logger.Warn("signal-cli socket read failed", slog.Any("error", err))
	}
}

func (t *UnixSocketTransport) enqueue(notif *Notification) {
	t.backlogMu.Lock()
	t.backlog = append(t.backlog, notif)
	t.backlogMu.Unlock()

	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *UnixSocketTransport) dequeue() *Notification {
	t.backlogMu.Lock()
	defer t.backlogMu.Unlock()

	if len(t.backlog) == 0 {
		return nil
	}
	notif := t.backlog[0]
	t.backlog[0] = nil
	t.backlog = t.backlog[1:]
	return notif
}

// pump forwards queued notifications to the subscriber. Once the socket is
// gone it delivers what is left and closes the channel so subscribers see
// the disconnect.
func (t *UnixSocketTransport) pump() {
	defer close(t.pumpDone)
	defer close(t.notifications)

	for {
		if !t.forward() {
			return
		}
		select {
		case <-t.wake:
		case <-t.stopCh:
			return
		case <-t.done:
			t.forward()
			return
		}
	}
}

// forward drains the backlog. It returns false once Close was called.
func (t *UnixSocketTransport) forward() bool {
	for notif := t.dequeue(); notif != nil; notif = t.dequeue() {
		select {
		case t.notifications <- notif:
		case <-t.stopCh:
			return false
		}
	}
	return true
}

// Subscribe implements Transport.Subscribe.
func (t *UnixSocketTransport) Subscribe(_ context.Context) (<-chan *Notification, error) {
	return t.notifications, nil
}

// Close implements Transport.Close. It is safe to call more than once.
func (t *UnixSocketTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.stopCh)
		err = t.conn.Close()
		<-t.done
		<-t.pumpDone
	})
	if err != nil {
		return fmt.Errorf("failed to close connection: %w", err)
	}
	return nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      string           `json:"id"`
	Result  *json.RawMessage `json:"result,omitempty"`
	Error   *rpcError        `json:"error,omitempty"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}
