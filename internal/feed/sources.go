package feed

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hackgods/portal-scheduling/internal/appointment"
)

const (
	minBackoff = 500 * time.Millisecond
	maxBackoff = 30 * time.Second
)

// RedisSource listens to the change channel of one calendar directly. Used
// by clients that share the server's Redis.
type RedisSource struct {
	client  *redis.Client
	channel string
}

func NewRedisSource(client *redis.Client, scope appointment.Scope) *RedisSource {
	return &RedisSource{client: client, channel: appointment.Channel(scope)}
}

func (s *RedisSource) Name() string { return "redis:" + s.channel }

func (s *RedisSource) Run(ctx context.Context, signal func()) error {
	sub := s.client.Subscribe(ctx, s.channel)
	defer sub.Close()

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-msgs:
			if !ok {
				return nil
			}
			signal()
		}
	}
}

// WebsocketSource reads the API's calendar stream and reconnects with
// backoff when the connection drops.
type WebsocketSource struct {
	url    string
	token  string
	dialer *websocket.Dialer
	log    zerolog.Logger
}

// NewWebsocketSource connects to baseURL's stream for scope. baseURL is the
// API's http(s) address.
func NewWebsocketSource(baseURL, token string, scope appointment.Scope, log zerolog.Logger) *WebsocketSource {
	wsURL := baseURL
	if rest, ok := strings.CutPrefix(wsURL, "http"); ok {
		wsURL = "ws" + rest
	}
	return &WebsocketSource{
		url:    wsURL + "/calendars/" + string(scope.Role) + "/" + scope.ActorID + "/stream",
		token:  token,
		dialer: websocket.DefaultDialer,
		log:    log,
	}
}

func (s *WebsocketSource) Name() string { return "websocket:" + s.url }

func (s *WebsocketSource) Run(ctx context.Context, signal func()) error {
	backoff := minBackoff
	for {
		connected, err := s.session(ctx, signal)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			backoff = minBackoff
		}
		s.log.Warn().Err(err).Dur("retry_in", backoff).Msg("calendar stream disconnected")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// session runs one connection. A fresh connection signals once since
// changes may have been missed while disconnected.
func (s *WebsocketSource) session(ctx context.Context, signal func()) (bool, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.token)

	conn, _, err := s.dialer.DialContext(ctx, s.url, header)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	signal()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return true, err
		}
		signal()
	}
}
