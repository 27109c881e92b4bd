package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petems/listen/internal/errs"
)

// ErrTransportClosed is returned by Recv after a clean close.
var ErrTransportClosed = errors.New("transport closed")

// Message is one transcript update from a streaming provider.
type Message struct {
	Text  string
	Final bool
}

// Transport is a connected streaming recognition session. SendAudio and
// ForceEndpoint may be called concurrently; Recv is called by one goroutine.
type Transport interface {
	SendAudio(pcm16 []byte) error
	ForceEndpoint() error
	Recv() (Message, error)
	Close() error
}

// Dialer connects a new Transport.
type Dialer func(ctx context.Context) (Transport, error)

// wsProtocol describes the provider-specific parts of a websocket session.
type wsProtocol struct {
	name      string
	decode    func(data []byte) (msg Message, ok bool, err error)
	force     []byte
	terminate []byte
}

const (
	wsWriteTimeout     = 5 * time.Second
	wsHandshakeTimeout = 10 * time.Second
	wsCloseGrace       = 500 * time.Millisecond
)

func dialWebsocket(ctx context.Context, url string, header http.Header, proto wsProtocol) (Transport, error) {
	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}

	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, errs.Errorf(errs.Transport, proto.name, "connect failed: %s: %w", resp.Status, err)
		}
		return nil, errs.Errorf(errs.Transport, proto.name, "connect failed: %w", err)
	}

	return &wsTransport{conn: conn, proto: proto, closed: make(chan struct{})}, nil
}

type wsTransport struct {
	conn  *websocket.Conn
	proto wsProtocol

	wmu       sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

func (t *wsTransport) write(kind int, data []byte) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()

	select {
	case <-t.closed:
		return ErrTransportClosed
	default:
	}

	t.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := t.conn.WriteMessage(kind, data); err != nil {
		return errs.E(errs.Transport, t.proto.name+" write", err)
	}
	return nil
}

func (t *wsTransport) SendAudio(pcm16 []byte) error {
	return t.write(websocket.BinaryMessage, pcm16)
}

func (t *wsTransport) ForceEndpoint() error {
	if len(t.proto.force) == 0 {
		return nil
	}
	return t.write(websocket.TextMessage, t.proto.force)
}

func (t *wsTransport) Recv() (Message, error) {
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			select {
			case <-t.closed:
				return Message{}, ErrTransportClosed
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return Message{}, ErrTransportClosed
			}
			return Message{}, errs.E(errs.Transport, t.proto.name+" read", err)
		}

		msg, ok, err := t.proto.decode(data)
		if err != nil {
			return Message{}, err
		}
		if ok {
			return msg, nil
		}
	}
}

// Close asks the provider to terminate, then closes the socket. It blocks
// for at most a few round trips.
func (t *wsTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.wmu.Lock()
		deadline := time.Now().Add(wsCloseGrace)
		if len(t.proto.terminate) > 0 {
			t.conn.SetWriteDeadline(deadline)
			t.conn.WriteMessage(websocket.TextMessage, t.proto.terminate)
		}
		t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		close(t.closed)
		t.wmu.Unlock()

		if cerr := t.conn.Close(); cerr != nil {
			err = fmt.Errorf("%s close: %w", t.proto.name, cerr)
		}
	})
	return err
}
