package realtime

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
)

const maxFrameBytes = 1 << 20

// Socket is the minimal duplex surface the transport needs. The production
// implementation wraps coder/websocket; tests substitute a fake.
type Socket interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// DialFunc opens one physical connection.
type DialFunc func(ctx context.Context) (Socket, error)

// BearerFunc supplies the access token attached to the dial request.
type BearerFunc func(ctx context.Context) (string, error)

// Dialer builds the production DialFunc for url.
func Dialer(url string, httpClient *http.Client, bearer BearerFunc) DialFunc {
	return func(ctx context.Context) (Socket, error) {
		header := http.Header{}
		if bearer != nil {
			token, err := bearer(ctx)
			if err != nil {
				return nil, err
			}
			if token != "" {
				header.Set("Authorization", "Bearer "+token)
			}
		}
		conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
			HTTPClient: httpClient,
			HTTPHeader: header,
		})
		if err != nil {
			return nil, err
		}
		conn.SetReadLimit(maxFrameBytes)
		return &wsSocket{conn: conn}, nil
	}
}

type wsSocket struct {
	conn *websocket.Conn
}

func (s *wsSocket) Read(ctx context.Context) ([]byte, error) {
	_, data, err := s.conn.Read(ctx)
	return data, err
}

func (s *wsSocket) Write(ctx context.Context, data []byte) error {
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s *wsSocket) Close(code websocket.StatusCode, reason string) error {
	return s.conn.Close(code, reason)
}
