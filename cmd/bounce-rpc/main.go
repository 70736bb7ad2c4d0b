package main

import (
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/bounceapp/bounce/internal/blob"
	"github.com/bounceapp/bounce/internal/datastore"
	"github.com/bounceapp/bounce/internal/gateway"
)

func main() {
	addr := os.Getenv("BOUNCE_RPC_ADDR")
	if addr == "" {
		addr = ":8088"
	}

	dsn := os.Getenv("BOUNCE_POSTGRES_DSN")
	if dsn == "" {
		log.Fatal("BOUNCE_POSTGRES_DSN is required")
	}
	store, err := datastore.NewPostgres(dsn)
	if err != nil {
		log.Fatalf("failed to initialize datastore: %v", err)
	}
	defer store.Close()

	baseURL := os.Getenv("BOUNCE_RPC_BASE_URL")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8088"
	}
	signer := blob.NewSigner(baseURL, os.Getenv("BOUNCE_BLOB_SECRET"))

	blobRoot := os.Getenv("BOUNCE_BLOB_DIR")
	if blobRoot == "" {
		blobRoot = ".bounce/blobs"
	}
	blobs, err := blob.NewDiskStore(blobRoot, signer)
	if err != nil {
		log.Fatalf("failed to initialize blob store: %v", err)
	}

	server := gateway.NewServerWithConfig(store, blobs, signer, gateway.ServerConfig{
		DevModeWindow:  durationEnv("BOUNCE_DEV_MODE_WINDOW", 0),
		FileURLTTL:     durationEnv("BOUNCE_FILE_URL_TTL", 0),
		MaxBodyBytes:   int64Env("BOUNCE_MAX_BODY_BYTES", 0),
		MaxUploadBytes: int64Env("BOUNCE_MAX_UPLOAD_BYTES", 0),
		IngestWorkers:  intEnv("BOUNCE_INGEST_WORKERS", 0),
	})

	log.Printf("bounce-rpc listening on %s", addr)
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
