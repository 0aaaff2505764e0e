// ABOUTME: Minimal fake agent for E2E testing that connects over WebSocket and echoes client messages.
// ABOUTME: Usage: fake-agent [-url ws://localhost:8080/ws/agent] [-token JWT]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/2389/support-relay/internal/relay"
)

type frame struct {
	Event string          `json:"event"`
	Ack   *int64          `json:"ack,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func main() {
	url := flag.String("url", "ws://localhost:8080/ws/agent", "relay agent socket URL")
	token := flag.String("token", os.Getenv("SUPPORT_RELAY_TOKEN"), "agent JWT (default $SUPPORT_RELAY_TOKEN)")
	flag.Parse()

	if err := run(*url, *token); err != nil {
		log.Fatal(err)
	}
}

func run(url, token string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	var opts websocket.DialOptions
	if token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + token}}
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.Dial(dialCtx, url, &opts)
	dialCancel()
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.CloseNow()

	if err := wsjson.Write(ctx, conn, map[string]any{"event": relay.EventRegisterAgent, "ack": 1}); err != nil {
		return fmt.Errorf("failed to register: %w", err)
	}

	for {
		var f frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			if ctx.Err() != nil {
				conn.Close(websocket.StatusNormalClosure, "")
				return nil // graceful shutdown
			}
			if websocket.CloseStatus(err) != -1 {
				return nil
			}
			return fmt.Errorf("read error: %w", err)
		}

		switch f.Event {
		case "ack":
			var res relay.AckResult
			if err := json.Unmarshal(f.Data, &res); err == nil && !res.Success {
				log.Printf("request failed: %s", res.Error)
			}
		case relay.EventExistingConversations:
			var snap relay.ExistingConversations
			if err := json.Unmarshal(f.Data, &snap); err != nil {
				return fmt.Errorf("decoding snapshot: %w", err)
			}
			fmt.Fprintf(os.Stderr, "registered as agent (%d conversations)\n", len(snap.Conversations))
		case relay.EventUserConnected:
			var uc relay.UserConnected
			if err := json.Unmarshal(f.Data, &uc); err == nil {
				log.Printf("client connected: %s (%s)", uc.Name, uc.ClientID)
			}
		case relay.EventUserDisconnected:
			var ref relay.ClientRef
			if err := json.Unmarshal(f.Data, &ref); err == nil {
				log.Printf("client disconnected: %s", ref.ClientID)
			}
		case relay.EventNewUserMessage:
			if err := reply(ctx, conn, f.Data); err != nil {
				return err
			}
		}
	}
}

// reply echoes the newest client message of the conversation.
func reply(ctx context.Context, conn *websocket.Conn, data json.RawMessage) error {
	var nm relay.NewUserMessage
	if err := json.Unmarshal(data, &nm); err != nil {
		return fmt.Errorf("decoding new-user-message: %w", err)
	}
	msgs := nm.Conversation.Messages
	if len(msgs) == 0 {
		return nil
	}
	last := msgs[len(msgs)-1]
	log.Printf("received message [%s]: %s", last.ClientID, last.Text)

	err := wsjson.Write(ctx, conn, map[string]any{
		"event": relay.EventAgentMessage,
		"data":  relay.MessagePayload{ClientID: last.ClientID, Text: echoReply(last.Text)},
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("send error: %w", err)
	}
	return nil
}

func echoReply(input string) string {
	lower := strings.ToLower(input)
	if strings.Contains(lower, "help") || strings.Contains(lower, "human") {
		return "A support agent will be with you shortly."
	}
	return fmt.Sprintf("Echo: %s", input)
}
