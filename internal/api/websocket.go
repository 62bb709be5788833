package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"predictioncore/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// feedMessage is what every /ws subscriber receives: the topic that
// fired, its payload (an orderId or marketId string), and the time the
// gateway observed it.
type feedMessage struct {
	Event     events.Event `json:"event"`
	Payload   any          `json:"payload"`
	Timestamp time.Time    `json:"timestamp"`
}

// websocket streams live order and market events. An optional
// ?marketId= query parameter narrows the feed to market.priced events
// for that market plus all order lifecycle events, otherwise the
// caller receives every topic.
func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Msg("ws upgrade failed")
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"event bus not ready"}`))
		return
	}

	marketFilter := c.Query("marketId")

	topics := []events.Event{
		events.EventOrderSubmitted, events.EventOrderOpened, events.EventOrderFilled,
		events.EventOrderRejected, events.EventOrderCancelled, events.EventMarketPriced,
	}

	type sub struct {
		topic events.Event
		ch    <-chan any
	}
	subs := make([]sub, 0, len(topics))
	for _, topic := range topics {
		ch, unsub := s.Bus.Subscribe(topic, 64)
		defer unsub()
		subs = append(subs, sub{topic: topic, ch: ch})
	}

	merged := make(chan feedMessage, 256)
	done := c.Request.Context().Done()
	for _, sb := range subs {
		go func(topic events.Event, ch <-chan any) {
			for payload := range ch {
				if topic == events.EventMarketPriced && marketFilter != "" && payload != marketFilter {
					continue
				}
				select {
				case merged <- feedMessage{Event: topic, Payload: payload, Timestamp: time.Now()}:
				case <-done:
					return
				}
			}
		}(sb.topic, sb.ch)
	}

	for {
		select {
		case msg := <-merged:
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
