package main

import (
	"crypto/tls"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/AgustinSRG/mia-rtmp-server/internal/admin"
	"github.com/AgustinSRG/mia-rtmp-server/internal/config"
	"github.com/AgustinSRG/mia-rtmp-server/internal/flvrecord"
	"github.com/AgustinSRG/mia-rtmp-server/internal/httpflv"
	"github.com/AgustinSRG/mia-rtmp-server/internal/router"
	"github.com/AgustinSRG/mia-rtmp-server/internal/rtcapi"
	"github.com/AgustinSRG/mia-rtmp-server/internal/rtlog"
	"github.com/AgustinSRG/mia-rtmp-server/internal/rtmpconn"
	"github.com/AgustinSRG/mia-rtmp-server/internal/sslcert"
)

func main() {
	rtlog.Info("Mia RTMP Server (Version 1.0.0)")

	cfg := config.Load()

	registry := router.NewRegistry(router.Options{
		GOPCacheLimit:    int64(cfg.GOPCacheSizeMB) * 1024 * 1024,
		GOPCacheDisabled: cfg.GOPCacheDisabled,
		QueueLimit:       cfg.QueueLength,
		JitterAlgo:       cfg.JitterAlgo,
		MixCorrect:       cfg.MixCorrect,
	})

	var listeners router.MultiListener

	var eventFeed *admin.EventFeed
	if cfg.AdminEventsEnabled {
		eventFeed = admin.NewEventFeed()
		listeners = append(listeners, eventFeed)
	}

	if cfg.FLVRecordEnabled {
		dir := cfg.FLVRecordDir
		if dir == "" {
			dir = "."
		}
		listeners = append(listeners, flvrecord.NewRecorder(registry, dir))
	}

	if len(listeners) > 0 {
		registry.SetListener(listeners)
	}

	server, err := rtmpconn.NewServer(cfg, registry)
	if err != nil {
		rtlog.Error(err)
		os.Exit(1)
	}

	go admin.SetupRedisCommandReceiver(cfg, registry)

	// HTTP side: HTTP-FLV subscriptions, the WebRTC publish/play
	// contract and the admin event feed share one mux. The WebRTC
	// transport and the Opus<->AAC codec wrapper are external; until
	// they are wired in, the rtc endpoints answer unavailable.
	mux := http.NewServeMux()
	rtcapi.NewHandler(registry, nil, nil,
		time.Duration(cfg.RTC2RTMPKeyframeInterval)*time.Millisecond).Register(mux)
	if eventFeed != nil {
		mux.Handle("/admin/events", eventFeed)
	}
	mux.Handle("/", httpflv.NewHandler(registry))

	httpAddr := cfg.BindAddress + ":" + strconv.Itoa(cfg.HTTPPort)
	go func() {
		rtlog.Info("[HTTP] Listening on " + httpAddr)
		if err := http.ListenAndServe(httpAddr, mux); err != nil {
			rtlog.Error(err)
		}
	}()

	if cfg.SSLCert != "" && cfg.SSLKey != "" {
		httpsAddr := cfg.BindAddress + ":" + strconv.Itoa(cfg.HTTPSPort)
		go func() {
			loader, err := sslcert.NewLoader(cfg.SSLCert, cfg.SSLKey)
			if err != nil {
				rtlog.Error(err)
				return
			}
			srv := &http.Server{
				Addr:      httpsAddr,
				Handler:   mux,
				TLSConfig: &tls.Config{GetCertificate: loader.GetCertificateFunc()},
			}
			rtlog.Info("[HTTPS] Listening on " + httpsAddr)
			if err := srv.ListenAndServeTLS("", ""); err != nil {
				rtlog.Error(err)
			}
		}()
	}

	// A dead subscriber socket surfaces as a write error, not a signal.
	signal.Ignore(syscall.SIGPIPE)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	go func() {
		sig := <-shutdown
		rtlog.Info("Received signal: " + sig.String() + ", shutting down")
		server.Stop()
	}()

	server.Start()
}
