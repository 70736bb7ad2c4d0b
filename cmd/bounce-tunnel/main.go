package main

import (
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/bounceapp/bounce/internal/tunnel"
)

func main() {
	addr := os.Getenv("BOUNCE_TUNNEL_ADDR")
	if addr == "" {
		addr = ":41675"
	}

	cacheRoot := os.Getenv("BOUNCE_TUNNEL_CACHE_DIR")
	if cacheRoot == "" {
		cacheRoot = os.TempDir() + "/bounce-tunnelcache"
	}
	cache, err := tunnel.NewCache(cacheRoot)
	if err != nil {
		log.Fatalf("failed to initialize cache: %v", err)
	}
	// Mailboxes do not survive a restart, so neither should their cache.
	if err := cache.Clear(); err != nil {
		log.Fatalf("failed to clear cache: %v", err)
	}

	relay := tunnel.NewRelay(tunnel.RelayConfig{
		PollTimeout:    durationEnv("BOUNCE_TUNNEL_POLL_TIMEOUT", 0),
		ContentTimeout: durationEnv("BOUNCE_TUNNEL_CONTENT_TIMEOUT", 0),
		IdleWindow:     durationEnv("BOUNCE_TUNNEL_IDLE_WINDOW", 0),
		BacklogCap:     intEnv("BOUNCE_TUNNEL_BACKLOG_CAP", 0),
	})

	auth := tunnel.NewGatewayClient(tunnel.GatewayClientOptions{
		BaseURL: os.Getenv("BOUNCE_RPC_URL"),
	})

	server := tunnel.NewServerWithConfig(relay, cache, auth, tunnel.ServerConfig{
		MaxBodyBytes: int64Env("BOUNCE_TUNNEL_MAX_BODY_BYTES", 0),
	})

	log.Printf("bounce-tunnel listening on %s", addr)
	if err := http.ListenAndServe(addr, server); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
