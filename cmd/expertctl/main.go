// Command expertctl is the terminal client for the expert dashboard: it
// signs in, hydrates the synchronized replica, and runs review commands
// against it.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mikeangelocasono/expert-dashboard/internal/session"
	"github.com/mikeangelocasono/expert-dashboard/pkg/sdk"
	expsync "github.com/mikeangelocasono/expert-dashboard/pkg/sync"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		return
	}

	command := strings.ToUpper(os.Args[1])
	args := os.Args[2:]

	handle := os.Getenv("EXPERT_HANDLE")
	if handle == "" {
		log.Fatal("EXPERT_HANDLE must be set to your expert handle")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gate := session.NewGate()
	remote := sdk.New("", sdk.WithTokenSource(gate.Token))

	token, profile, err := remote.Login(ctx, handle)
	if err != nil {
		log.Fatalf("Login failed: %v", err)
	}

	client := expsync.NewClient(remote, gate, slog.Default())
	client.Start(ctx)
	defer client.Close()

	// Signing in triggers the initial load and feed attach.
	gate.SignIn(profile.ID, token)
	if err := waitReady(ctx, client); err != nil {
		log.Fatalf("Initial load failed: %v", err)
	}

	switch command {
	case "SCANS":
		printJSON(client.Store.Scans())

	case "PENDING":
		printJSON(client.Store.PendingScans())

	case "VALIDATIONS":
		printJSON(client.Store.Validations())

	case "EXPERTS":
		fmt.Println(client.Store.ExpertCount())

	case "CONFIRM":
		if len(args) < 1 {
			log.Fatal("Usage: expertctl CONFIRM <scanID> [note]")
		}
		id := parseID(args[0])
		req := expsync.SubmitRequest{ScanID: id, Action: expsync.ActionConfirm}
		if len(args) > 1 {
			req.Note = strings.Join(args[1:], " ")
		}
		if err := client.Coordinator.Submit(ctx, req); err != nil {
			log.Fatalf("Confirm failed: %v", err)
		}
		fmt.Println("OK")

	case "CORRECT":
		if len(args) < 2 {
			log.Fatal("Usage: expertctl CORRECT <scanID> <diagnosis> [note]")
		}
		id := parseID(args[0])
		req := expsync.SubmitRequest{
			ScanID:         id,
			Action:         expsync.ActionCorrect,
			CorrectedValue: args[1],
		}
		if len(args) > 2 {
			req.Note = strings.Join(args[2:], " ")
		}
		if err := client.Coordinator.Submit(ctx, req); err != nil {
			log.Fatalf("Correct failed: %v", err)
		}
		fmt.Println("OK")

	case "WATCH":
		fmt.Println("Watching for changes. Ctrl-C to stop.")
		unsub := client.Store.Subscribe(func() {
			fmt.Printf("[%s] scans=%d pending=%d validations=%d experts=%d\n",
				time.Now().Format("15:04:05"),
				len(client.Store.Scans()),
				len(client.Store.PendingScans()),
				len(client.Store.Validations()),
				client.Store.ExpertCount())
		})
		defer unsub()
		<-ctx.Done()

	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
	}

	gate.SignOut()
}

// waitReady blocks until the first full load lands or the deadline passes.
func waitReady(ctx context.Context, client *expsync.Client) error {
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		if client.Reconciler.Ready() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	return fmt.Errorf("timed out waiting for initial load")
}

func parseID(s string) int64 {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		log.Fatalf("Bad scan id %q", s)
	}
	return id
}

func printUsage() {
	fmt.Println("expertctl - terminal client for the expert dashboard")
	fmt.Println("\nUsage:")
	fmt.Println("  expertctl SCANS")
	fmt.Println("  expertctl PENDING")
	fmt.Println("  expertctl VALIDATIONS")
	fmt.Println("  expertctl EXPERTS")
	fmt.Println("  expertctl CONFIRM <scanID> [note]")
	fmt.Println("  expertctl CORRECT <scanID> <diagnosis> [note]")
	fmt.Println("  expertctl WATCH")
	fmt.Println("\nEnvironment Variables:")
	fmt.Println("  EXPERT_STORE_ADDR   Backend address (default: http://localhost:7001)")
	fmt.Println("  EXPERT_HANDLE       Expert handle used to sign in")
}

func printJSON(v any) {
	bytes, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(v)
		return
	}
	fmt.Println(string(bytes))
}
