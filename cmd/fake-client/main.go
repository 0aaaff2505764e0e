// ABOUTME: Client simulator that registers with the relay and chats from stdin.
// ABOUTME: Usage: fake-client [-url ws://localhost:8080/ws] [-id CLIENT_ID] [-name NAME]
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/2389/support-relay/internal/relay"
	"github.com/2389/support-relay/internal/store"
)

type frame struct {
	Event string          `json:"event"`
	Ack   *int64          `json:"ack,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func main() {
	url := flag.String("url", "ws://localhost:8080/ws", "relay client socket URL")
	clientID := flag.String("id", "", "client id (default: random)")
	name := flag.String("name", "Guest", "display name")
	flag.Parse()

	if *clientID == "" {
		*clientID = "client-" + uuid.NewString()[:8]
	}

	if err := run(*url, *clientID, *name); err != nil {
		log.Fatal(err)
	}
}

func run(url, clientID, name string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.Dial(dialCtx, url, nil)
	dialCancel()
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.CloseNow()

	var ack int64 = 1
	err = wsjson.Write(ctx, conn, map[string]any{
		"event": relay.EventRegisterUser,
		"id":    uuid.NewString(),
		"ack":   ack,
		"data":  relay.RegisterUserPayload{ClientID: clientID, Name: name},
	})
	if err != nil {
		return fmt.Errorf("failed to register: %w", err)
	}
	fmt.Fprintf(os.Stderr, "connected as %s (%s), type a message and press enter\n", name, clientID)

	readErr := make(chan error, 1)
	go func() { readErr <- readLoop(ctx, conn) }()

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return nil
		case err := <-readErr:
			return err
		case line, ok := <-lines:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				return nil
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			ack++
			err := wsjson.Write(ctx, conn, map[string]any{
				"event": relay.EventUserMessage,
				"id":    uuid.NewString(),
				"ack":   ack,
				"data":  relay.MessagePayload{ClientID: clientID, Text: line},
			})
			if err != nil {
				return fmt.Errorf("send error: %w", err)
			}
		}
	}
}

func readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		var f frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) != -1 {
				return nil
			}
			return fmt.Errorf("read error: %w", err)
		}

		switch f.Event {
		case relay.EventHistory:
			var h relay.History
			if err := json.Unmarshal(f.Data, &h); err != nil {
				return fmt.Errorf("decoding history: %w", err)
			}
			if len(h.Messages) > 0 {
				color.New(color.FgHiBlack).Printf("--- %d earlier messages ---\n", len(h.Messages))
			}
			for _, m := range h.Messages {
				printMessage(m)
			}
		case relay.EventMessage:
			var m store.Message
			if err := json.Unmarshal(f.Data, &m); err != nil {
				return fmt.Errorf("decoding message: %w", err)
			}
			printMessage(m)
		case "ack":
			var res relay.AckResult
			if err := json.Unmarshal(f.Data, &res); err == nil && !res.Success {
				color.New(color.FgRed).Printf("! %s\n", res.Error)
			}
		}
	}
}

func printMessage(m store.Message) {
	ts := m.Timestamp.Local().Format("15:04")
	if m.IsFromAgent {
		color.New(color.FgCyan).Printf("[%s] agent: ", ts)
	} else {
		color.New(color.FgGreen).Printf("[%s] you:   ", ts)
	}
	fmt.Println(m.Text)
}
