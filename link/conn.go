package link

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

const (
	// DefaultDialTimeout bounds TCP dial plus hello exchange.
	DefaultDialTimeout = 10 * time.Second
	// DefaultHelloTimeout bounds each side of the hello exchange.
	DefaultHelloTimeout = 5 * time.Second
)

var (
	// ErrConnClosed indicates use of a closed connection.
	ErrConnClosed = errors.New("link: connection closed")
	// ErrHelloMismatch indicates the hello exchange was malformed.
	ErrHelloMismatch = errors.New("link: unexpected hello exchange")
)

// PeerInfo names the remote side of a connection after hello.
type PeerInfo struct {
	DeviceID    string
	DisplayName string
}

// Conn is one framed session with a remote peer. Reads are pulled by
// the owning loop; writes are serialized by an internal mutex.
type Conn struct {
	conn net.Conn
	peer PeerInfo

	sendMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

func newConn(conn net.Conn, peer PeerInfo) *Conn {
	return &Conn{
		conn:   conn,
		peer:   peer,
		closed: make(chan struct{}),
	}
}

// Peer returns the remote identity from the hello exchange.
func (c *Conn) Peer() PeerInfo {
	return c.peer
}

// Done is closed when the connection is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

// SendMessage marshals a link message and writes it as one frame.
func (c *Conn) SendMessage(message any) error {
	select {
	case <-c.closed:
		if err := c.LastError(); err != nil {
			return err
		}
		return ErrConnClosed
	default:
	}

	payload, err := EncodeJSON(message)
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := WriteFrame(c.conn, payload); err != nil {
		c.closeWithError(fmt.Errorf("write frame: %w", err))
		return err
	}
	return nil
}

// ReadMessage reads the next frame, optionally bounded by timeout, and
// returns its payload and type.
func (c *Conn) ReadMessage(timeout time.Duration) ([]byte, string, error) {
	payload, err := ReadFrameWithTimeout(c.conn, timeout)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			c.closeWithError(io.EOF)
		}
		return nil, "", err
	}
	messageType, err := DecodeMessageType(payload)
	if err != nil {
		return nil, "", err
	}
	return payload, messageType, nil
}

// Close shuts the connection down.
func (c *Conn) Close() error {
	c.closeWithError(nil)
	return nil
}

// LastError returns the terminal connection error, if any.
func (c *Conn) LastError() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.closeErr
}

func (c *Conn) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.closeErr = err
		c.errMu.Unlock()
		_ = c.conn.Close()
		close(c.closed)
	})
}

// Dialer opens outbound connections carrying the local identity.
type Dialer struct {
	DeviceID    string
	DisplayName string
	DialTimeout time.Duration
}

// Dial connects to address, performs the hello exchange, and returns a
// ready connection. The timeout covers dial and hello together.
func (d Dialer) Dial(address string) (*Conn, error) {
	timeout := d.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	deadline := time.Now().Add(timeout)

	raw, err := net.DialTimeout("tcp", address, timeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}

	peer, err := clientHello(raw, d.DeviceID, d.DisplayName, deadline)
	if err != nil {
		_ = raw.Close()
		return nil, err
	}

	return newConn(raw, peer), nil
}

func clientHello(conn net.Conn, deviceID, displayName string, deadline time.Time) (PeerInfo, error) {
	hello := Hello{
		Type:        TypeHello,
		DeviceID:    deviceID,
		DisplayName: displayName,
		Timestamp:   time.Now().UnixMilli(),
	}
	payload, err := EncodeJSON(hello)
	if err != nil {
		return PeerInfo{}, err
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return PeerInfo{}, fmt.Errorf("set hello deadline: %w", err)
	}
	defer func() {
		_ = conn.SetDeadline(time.Time{})
	}()

	if err := WriteFrame(conn, payload); err != nil {
		return PeerInfo{}, fmt.Errorf("send hello: %w", err)
	}

	reply, err := ReadFrame(conn)
	if err != nil {
		return PeerInfo{}, fmt.Errorf("read hello ack: %w", err)
	}
	var ack Hello
	if err := json.Unmarshal(reply, &ack); err != nil {
		return PeerInfo{}, fmt.Errorf("decode hello ack: %w", err)
	}
	if ack.Type != TypeHelloAck || ack.DeviceID == "" {
		return PeerInfo{}, ErrHelloMismatch
	}

	return PeerInfo{DeviceID: ack.DeviceID, DisplayName: ack.DisplayName}, nil
}

func serverHello(conn net.Conn, deviceID, displayName string, timeout time.Duration) (PeerInfo, error) {
	if timeout <= 0 {
		timeout = DefaultHelloTimeout
	}
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return PeerInfo{}, fmt.Errorf("set hello deadline: %w", err)
	}
	defer func() {
		_ = conn.SetDeadline(time.Time{})
	}()

	payload, err := ReadFrame(conn)
	if err != nil {
		return PeerInfo{}, fmt.Errorf("read hello: %w", err)
	}
	var hello Hello
	if err := json.Unmarshal(payload, &hello); err != nil {
		return PeerInfo{}, fmt.Errorf("decode hello: %w", err)
	}
	if hello.Type != TypeHello || hello.DeviceID == "" {
		return PeerInfo{}, ErrHelloMismatch
	}

	ack := Hello{
		Type:        TypeHelloAck,
		DeviceID:    deviceID,
		DisplayName: displayName,
		Timestamp:   time.Now().UnixMilli(),
	}
	reply, err := EncodeJSON(ack)
	if err != nil {
		return PeerInfo{}, err
	}
	if err := WriteFrame(conn, reply); err != nil {
		return PeerInfo{}, fmt.Errorf("send hello ack: %w", err)
	}

	return PeerInfo{DeviceID: hello.DeviceID, DisplayName: hello.DisplayName}, nil
}
