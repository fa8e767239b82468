// Command wsengine-echo is a minimal echo server: every text or binary
// message it receives is sent straight back to the same client.
package main

import (
	"flag"
	"net/http"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/relayframe/wsengine/wsengine"
	"github.com/relayframe/wsengine/wsengine/wsnet"
)

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	configPath := flag.String("config", "", "optional YAML config file (see wsengine.DefaultConfig)")
	flag.Parse()

	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	cfg := wsengine.DefaultConfig()
	if *configPath != "" {
		loaded, err := wsengine.LoadConfig(*configPath)
		if err != nil {
			log.Fatal().Err(err).Msg("load config")
		}
		cfg = *loaded
	}

	heartbeat := wsengine.NewHeartbeatQueue(cfg.HeartbeatInterval, cfg.HeartbeatMaxMissed, log.Logger)
	go heartbeat.Run()
	defer heartbeat.Stop()

	limiter := wsengine.NewRateLimiter(cfg.RateLimitWindow, cfg.RateLimitMaxFrames, cfg.RateLimitMaxBytes)
	go limiter.Run()
	defer limiter.Stop()

	upgrader := &wsnet.Upgrader{
		Config:      cfg,
		Heartbeat:   heartbeat,
		RateLimiter: limiter,
		Logger:      log.Logger,
	}

	http.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		client, connID, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn().Err(err).Msg("upgrade failed")
			return
		}
		logger := log.With().Stringer("conn_id", connID).Logger()
		logger.Info().Msg("client connected")

		go func() {
			if err := client.Run(); err != nil {
				logger.Debug().Err(err).Msg("client run loop ended")
			}
		}()

		for {
			msg, err := client.Receive()
			if err != nil {
				logger.Info().Err(err).Msg("client disconnected")
				return
			}
			data, err := msg.Bytes()
			if err != nil {
				logger.Warn().Err(err).Msg("read message")
				return
			}
			frameType := wsengine.FrameBinary
			if msg.IsText {
				frameType = wsengine.FrameText
			}
			if err := client.Send(frameType, data); err != nil {
				logger.Warn().Err(err).Msg("echo failed")
				return
			}
		}
	})

	log.Info().Str("addr", *addr).Msg("wsengine-echo listening")
	log.Fatal().Err(http.ListenAndServe(*addr, nil)).Msg("server stopped")
}
