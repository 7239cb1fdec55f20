package connector

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
)

const (
	writeTimeout = 10 * time.Second
	tokenTTL     = 5 * time.Minute
)

// Session is one live connection to the watcher. ReadFrame is called from a
// single goroutine; WriteFrame may be called concurrently with it.
type Session interface {
	ReadFrame() (Frame, error)
	WriteFrame(ctx context.Context, f Frame) error
	Close() error
}

// Dialer opens watcher sessions.
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}

// WebsocketDialer dials the watcher over a websocket. When Secret is set every
// handshake carries a short-lived HS256 bearer token.
type WebsocketDialer struct {
	URL     string
	Secret  string
	Subject string
	Dialer  *websocket.Dialer
	now     func() time.Time
}

func NewWebsocketDialer(url, secret string) *WebsocketDialer {
	return &WebsocketDialer{
		URL:     url,
		Secret:  secret,
		Subject: "registrar",
		Dialer:  websocket.DefaultDialer,
		now:     time.Now,
	}
}

func (d *WebsocketDialer) Dial(ctx context.Context) (Session, error) {
	header := http.Header{}
	if d.Secret != "" {
		token, err := d.bearer()
		if err != nil {
			return nil, err
		}
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := d.Dialer.DialContext(ctx, d.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial watcher %s: %w", d.URL, err)
	}
	return &wsSession{conn: conn}, nil
}

func (d *WebsocketDialer) bearer() (string, error) {
	now := d.now()
	claims := jwt.RegisteredClaims{
		Subject:   d.Subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(d.Secret))
	if err != nil {
		return "", fmt.Errorf("sign watcher token: %w", err)
	}
	return signed, nil
}

type wsSession struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (s *wsSession) ReadFrame() (Frame, error) {
	var f Frame
	if err := s.conn.ReadJSON(&f); err != nil {
		return Frame{}, err
	}
	return f, nil
}

func (s *wsSession) WriteFrame(ctx context.Context, f Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return s.conn.WriteJSON(f)
}

func (s *wsSession) Close() error {
	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	s.writeMu.Unlock()
	return s.conn.Close()
}
