// Command expertd runs the reference backend: the authoritative store, the
// REST API, and the SSE change feed the sync client consumes.
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/mikeangelocasono/expert-dashboard/internal/server"
	"github.com/mikeangelocasono/expert-dashboard/internal/session"
	"github.com/mikeangelocasono/expert-dashboard/pkg/schema"
)

// seedFile is the optional startup dataset.
type seedFile struct {
	Experts []schema.ExpertProfile `json:"experts"`
	Farmers []schema.ExpertProfile `json:"farmers"`
	Scans   []schema.Scan          `json:"scans"`
}

func main() {
	fmt.Println("Starting Expert Dashboard Backend...")

	port := os.Getenv("EXPERT_PORT")
	if port == "" {
		port = "7001"
	}

	secret := os.Getenv("EXPERT_TOKEN_SECRET")
	if secret == "" {
		secret = "expert-dashboard-dev-secret"
		fmt.Println("EXPERT_TOKEN_SECRET not set, using the development secret.")
	}

	hub := server.NewHub()
	src := server.NewSource(hub.Publish)

	if path := os.Getenv("EXPERT_SEED_FILE"); path != "" {
		if err := seed(src, path); err != nil {
			log.Fatalf("Failed to load seed file: %v", err)
		}
		fmt.Printf("Seeded from %s: %d scans, %d profiles.\n",
			path, len(src.Scans()), src.CountProfiles())
	}

	h := server.NewHandler(src, hub, session.DeriveKey(secret))
	r := h.Router()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nShutdown signal received. Detaching feed subscribers...")
		hub.Close()
		os.Exit(0)
	}()

	fmt.Printf("Backend listening on :%s\n", port)
	if err := r.Run(":" + port); err != nil {
		log.Fatalf("HTTP server failed: %v", err)
	}
}

func seed(src *server.Source, path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var data seedFile
	if err := json.Unmarshal(content, &data); err != nil {
		return err
	}
	for _, p := range data.Experts {
		src.AddProfile(p, true)
	}
	for _, p := range data.Farmers {
		src.AddProfile(p, false)
	}
	for _, sc := range data.Scans {
		src.AddScan(sc)
	}
	return nil
}
