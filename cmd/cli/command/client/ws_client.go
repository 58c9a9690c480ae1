package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/fatih/color"

	"sharedws/internal/client"
	"sharedws/internal/protocol"
)

// ws_client.go = attaches the CLI to the broker as one client context.

// Connect dials the broker, the CLI keeps library logs quiet
func Connect(ctx context.Context, url, token string) (*client.Correlator, error) {
	header := http.Header{}
	if token != "" {
		header.Add("Authorization", "Bearer "+token)
	}

	quiet := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return client.Dial(ctx, url, header, client.WithLogger(quiet))
}

// Listen prints events of the given types and sends stdin lines as requests
func Listen(ctx context.Context, url, token string, types []string, timeout time.Duration) error {
	fmt.Printf("\n🔌 Connecting to %s...\n", url)
	conn, err := Connect(ctx, url, token)
	if err != nil {
		return err
	}
	defer conn.Close()

	for _, eventType := range types {
		conn.AddEventListener(eventType, PrintEvent)
	}
	fmt.Printf("✅ Connected! Listening for %s (type \"<type> [json]\" to send, /quit to exit)\n\n",
		strings.Join(types, ", "))

	// Channel for interrupt signal
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	defer signal.Stop(interrupt)

	// Goroutine to send requests
	quit := make(chan struct{})
	go func() {
		defer close(quit)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			text := strings.TrimSpace(scanner.Text())
			if text == "" {
				continue
			}
			if text == "/quit" {
				return
			}

			msgType, data, err := parseLine(text)
			if err != nil {
				color.Red("❌ %v", err)
				continue
			}
			call := conn.Go(msgType, data, timeout)
			go func() {
				done := <-call.Done
				if done.Err != nil {
					PrintError(done.Err)
					return
				}
				PrintResponse(done.Data)
			}()
		}
	}()

	// Wait for interrupt
	select {
	case <-interrupt:
	case <-quit:
	case <-ctx.Done():
	}
	fmt.Println("Closing connection...")
	return nil
}

// "<type> [json]"
func parseLine(line string) (string, any, error) {
	msgType, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return msgType, nil, nil
	}
	if !json.Valid([]byte(rest)) {
		return "", nil, fmt.Errorf("data is not valid JSON: %s", rest)
	}
	return msgType, json.RawMessage(rest), nil
}

func PrintResponse(data json.RawMessage) {
	if len(data) == 0 {
		color.Green("✅ ok")
		return
	}
	color.Green("✅ %s", string(data))
}

func PrintError(err error) {
	var perr *protocol.ProtocolError
	switch {
	case protocol.IsTimeout(err):
		color.Yellow("⏱  request timed out")
	case errors.As(err, &perr):
		if len(perr.Data) > 0 {
			color.Red("❌ %s %s", perr.Message, string(perr.Data))
			return
		}
		color.Red("❌ %s", perr.Message)
	default:
		color.Red("❌ %v", err)
	}
}

func PrintEvent(msg protocol.Message) {
	switch msg.Type {
	case protocol.EventReconnect:
		color.Yellow("🔔 upstream reconnected")

	case protocol.EventToast:
		var toast protocol.Toast
		if err := json.Unmarshal(msg.Data, &toast); err != nil {
			color.HiBlack("toast %s", string(msg.Data))
			return
		}
		color.Yellow("🔔 [%s] %s: %s", toast.Type, toast.Summary, toast.Details)

	default:
		color.Cyan("[%s] %s", msg.Type, string(msg.Data))
	}
}
