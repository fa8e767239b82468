// Command wsengine-chat is a small broadcast chat server: every message a
// client sends is fanned out as JSON to every connected client, the sender
// included, via a wsengine.Hub.
package main

import (
	"flag"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/relayframe/wsengine/wsengine"
	"github.com/relayframe/wsengine/wsengine/wsnet"
)

// chatMessage is the JSON envelope broadcast to every connected client.
type chatMessage struct {
	Type      string    `json:"type"` // "join", "message", "leave"
	Username  string    `json:"username"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

func main() {
	addr := flag.String("addr", ":8081", "listen address")
	flag.Parse()

	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	cfg := wsengine.DefaultConfig()

	heartbeat := wsengine.NewHeartbeatQueue(cfg.HeartbeatInterval, cfg.HeartbeatMaxMissed, log.Logger)
	go heartbeat.Run()
	defer heartbeat.Stop()

	limiter := wsengine.NewRateLimiter(cfg.RateLimitWindow, cfg.RateLimitMaxFrames, cfg.RateLimitMaxBytes)
	go limiter.Run()
	defer limiter.Stop()

	hub := wsengine.NewHub()
	defer hub.Close()

	upgrader := &wsnet.Upgrader{
		Config:      cfg,
		Heartbeat:   heartbeat,
		RateLimiter: limiter,
		Logger:      log.Logger,
	}

	http.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		username := r.URL.Query().Get("username")
		if username == "" {
			username = "Anonymous"
		}

		client, connID, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn().Err(err).Msg("upgrade failed")
			return
		}
		logger := log.With().Stringer("conn_id", connID).Str("username", username).Logger()
		logger.Info().Msg("user joined")

		hub.Register(client)
		go client.Run()

		if err := hub.BroadcastJSON(chatMessage{Type: "join", Username: username, Text: username + " joined the chat", Timestamp: time.Now()}); err != nil {
			logger.Warn().Err(err).Msg("broadcast join")
		}

		for {
			msg, err := client.Receive()
			if err != nil {
				if wsengine.IsCloseError(err, wsengine.CloseNormalClosure, wsengine.CloseGoingAway, wsengine.CloseAbnormalClosure) {
					_ = hub.BroadcastJSON(chatMessage{Type: "leave", Username: username, Text: username + " left the chat", Timestamp: time.Now()})
				}
				logger.Info().Err(err).Msg("user disconnected")
				return
			}

			var incoming chatMessage
			if err := msg.JSON(&incoming); err != nil {
				logger.Warn().Err(err).Msg("malformed chat message, dropping")
				continue
			}
			incoming.Type = "message"
			incoming.Username = username
			incoming.Timestamp = time.Now()

			if err := hub.BroadcastJSON(incoming); err != nil {
				logger.Warn().Err(err).Msg("broadcast message")
			}
		}
	})

	log.Info().Str("addr", *addr).Msg("wsengine-chat listening")
	log.Fatal().Err(http.ListenAndServe(*addr, nil)).Msg("server stopped")
}
