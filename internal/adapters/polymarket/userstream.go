package polymarket

// userstream.go — canal de usuario del websocket del CLOB.
//
// Traduce los mensajes "trade" (MATCHED) y "order" (UPDATE/CANCELLATION) a
// domain.OrderEvent. De un trade sólo salen las órdenes de nuestra API key. El venue exige un "PING" de texto periódico; si la
// conexión cae se reconecta con backoff hasta que el ctx termina.

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alejandrodnm/deltamaker/internal/domain"
	"github.com/gorilla/websocket"
)

const (
	defaultUserWS     = "wss://ws-subscriptions-clob.polymarket.com/ws/user"
	wsPingInterval    = 10 * time.Second
	wsReconnectMin    = time.Second
	wsReconnectMax    = 30 * time.Second
	wsEventBufferSize = 256
)

// UserStream implementa ports.EventStream.
type UserStream struct {
	auth   *AuthClient
	url    string
	dialer *websocket.Dialer

	pingInterval time.Duration
	reconnectMin time.Duration
}

// NewUserStream crea el stream. url vacío = producción.
func NewUserStream(auth *AuthClient, url string) *UserStream {
	if url == "" {
		url = defaultUserWS
	}
	return &UserStream{
		auth:         auth,
		url:          url,
		dialer:       &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		pingInterval: wsPingInterval,
		reconnectMin: wsReconnectMin,
	}
}

// SubscribeEvents conecta y devuelve el canal de eventos. La primera conexión
// es síncrona: si falla, devuelve error. El canal se cierra cuando ctx termina.
func (s *UserStream) SubscribeEvents(ctx context.Context) (<-chan domain.OrderEvent, error) {
	conn, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan domain.OrderEvent, wsEventBufferSize)
	go s.run(ctx, conn, out)
	return out, nil
}

func (s *UserStream) connect(ctx context.Context) (*websocket.Conn, error) {
	if err := s.auth.EnsureCreds(ctx); err != nil {
		return nil, fmt.Errorf("userstream: creds: %w", err)
	}
	creds, _ := s.auth.credentials()

	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return nil, &domain.VenueUnavailable{Op: "user websocket dial", Err: err}
	}

	msg := userAuthMessage{
		Auth: userAuth{APIKey: creds.APIKey, Secret: creds.Secret, Passphrase: creds.Passphrase},
		Type: "user",
	}
	if err := conn.WriteJSON(msg); err != nil {
		conn.Close()
		return nil, &domain.VenueUnavailable{Op: "user websocket auth", Err: err}
	}
	slog.Info("userstream: connected", "url", s.url)
	return conn, nil
}

// run lee de conn hasta que falla y reconecta. Cierra out al salir.
func (s *UserStream) run(ctx context.Context, conn *websocket.Conn, out chan<- domain.OrderEvent) {
	defer close(out)

	wait := s.reconnectMin
	for {
		s.readLoop(ctx, conn, out)
		conn.Close()
		if ctx.Err() != nil {
			return
		}

		for {
			slog.Warn("userstream: disconnected, reconnecting", "wait", wait)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}

			var err error
			conn, err = s.connect(ctx)
			if err == nil {
				wait = s.reconnectMin
				break
			}
			slog.Error("userstream: reconnect failed", "err", err)
			wait *= 2
			if wait > wsReconnectMax {
				wait = wsReconnectMax
			}
		}
	}
}

func (s *UserStream) readLoop(ctx context.Context, conn *websocket.Conn, out chan<- domain.OrderEvent) {
	var wg sync.WaitGroup
	defer wg.Wait()
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.pingLoop(connCtx, conn)
	}()

	creds, _ := s.auth.credentials()

	// desbloquea ReadMessage cuando el ctx termina
	go func() {
		<-connCtx.Done()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("userstream: read failed", "err", err)
			}
			return
		}
		for _, ev := range parseUserMessages(data, creds.APIKey) {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *UserStream) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.TextMessage, []byte("PING")); err != nil {
				slog.Debug("userstream: ping failed", "err", err)
				conn.Close()
				return
			}
		}
	}
}

// parseUserMessages acepta un objeto o un array de objetos. owner es nuestra
// API key; vacío no filtra.
func parseUserMessages(data []byte, owner string) []domain.OrderEvent {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("PONG")) {
		return nil
	}

	var msgs []userMessage
	if data[0] == '[' {
		if err := json.Unmarshal(data, &msgs); err != nil {
			slog.Debug("userstream: bad message", "err", err)
			return nil
		}
	} else {
		var m userMessage
		if err := json.Unmarshal(data, &m); err != nil {
			slog.Debug("userstream: bad message", "err", err)
			return nil
		}
		msgs = []userMessage{m}
	}

	var events []domain.OrderEvent
	for _, m := range msgs {
		events = append(events, mapUserMessage(m, owner)...)
	}
	return events
}

// mapUserMessage traduce un mensaje del canal de usuario.
// Un trade genera un evento por cada orden nuestra involucrada. El canal
// también trae los makers de otros usuarios que cruzaron con nosotros.
func mapUserMessage(m userMessage, owner string) []domain.OrderEvent {
	at := parseTimestamp(m.Timestamp)

	switch m.EventType {
	case "trade":
		if m.Status != "MATCHED" {
			return nil
		}
		var events []domain.OrderEvent
		if m.TakerOrderID != "" && ownedBy(m.TradeOwner, owner) {
			events = append(events, domain.OrderEvent{
				Kind:         domain.EventTrade,
				VenueOrderID: m.TakerOrderID,
				TradeID:      m.ID + ":" + m.TakerOrderID,
				TokenID:      m.AssetID,
				Price:        parseFloat(m.Price),
				Size:         parseFloat(m.Size),
				At:           at,
			})
		}
		for _, mo := range m.MakerOrders {
			if !ownedBy(mo.Owner, owner) {
				continue
			}
			events = append(events, domain.OrderEvent{
				Kind:         domain.EventTrade,
				VenueOrderID: mo.OrderID,
				TradeID:      m.ID + ":" + mo.OrderID,
				TokenID:      mo.AssetID,
				Price:        parseFloat(mo.Price),
				Size:         parseFloat(mo.MatchedAmount),
				At:           at,
			})
		}
		return events

	case "order":
		ev := domain.OrderEvent{
			VenueOrderID: m.ID,
			TokenID:      m.AssetID,
			Price:        parseFloat(m.Price),
			SizeMatched:  parseFloat(m.SizeMatched),
			At:           at,
		}
		switch m.Type {
		case "UPDATE":
			ev.Kind = domain.EventUpdate
		case "CANCELLATION":
			ev.Kind = domain.EventCancel
		default:
			return nil
		}
		return []domain.OrderEvent{ev}
	}
	return nil
}

// ownedBy acepta la orden si es nuestra o si el mensaje no trae dueño.
func ownedBy(orderOwner, owner string) bool {
	return owner == "" || orderOwner == "" || orderOwner == owner
}
