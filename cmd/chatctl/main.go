// chatctl - Command line client for the support chat service
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/taskflow/supportchat/chatclient"
	"github.com/taskflow/supportchat/protocol"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	baseURL := os.Getenv("SUPPORTCHAT_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	token := os.Getenv("SUPPORTCHAT_TOKEN")
	if token == "" {
		fmt.Fprintln(os.Stderr, "SUPPORTCHAT_TOKEN is required")
		os.Exit(1)
	}

	client := chatclient.NewClient(baseURL, token)
	ctx := context.Background()
	cmd := os.Args[1]

	switch cmd {
	case "chats":
		status := protocol.Status("")
		if len(os.Args) > 2 {
			status = protocol.Status(os.Args[2])
		}
		chats, err := client.ListChats(ctx, status)
		exitOnError(err)
		for _, ch := range chats {
			agent := ch.AssignedAgentID
			if agent == "" {
				agent = "-"
			}
			fmt.Printf("  %s  %-8s %-6s agent=%s\n", ch.ID, ch.Status, ch.Priority, agent)
		}

	case "open":
		req := chatclient.CreateChatRequest{Priority: protocol.PriorityMedium, Category: protocol.CategoryOther}
		if len(os.Args) > 2 {
			req.Message = os.Args[2]
		}
		session, err := client.CreateChat(ctx, req)
		exitOnError(err)
		fmt.Printf("Opened: %s\n", session.ID)

	case "show":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: chatctl show <chat_id>")
			os.Exit(1)
		}
		session, err := client.GetChat(ctx, os.Args[2])
		exitOnError(err)
		printJSON(session)

	case "history":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: chatctl history <chat_id>")
			os.Exit(1)
		}
		msgs, _, err := client.History(ctx, os.Args[2], 50, 0)
		exitOnError(err)
		for i := len(msgs) - 1; i >= 0; i-- {
			msg := msgs[i]
			ts := time.UnixMilli(msg.CreatedAt).Format("2006-01-02 15:04:05")
			from := msg.SenderID
			if len(from) > 8 {
				from = from[:8]
			}
			fmt.Printf("[%s] %s: %s\n", ts, from, msg.Content)
		}

	case "send":
		if len(os.Args) < 4 {
			fmt.Fprintln(os.Stderr, "Usage: chatctl send <chat_id> <message>")
			os.Exit(1)
		}
		msg, err := client.SendMessage(ctx, os.Args[2], "", os.Args[3], protocol.MessageText)
		exitOnError(err)
		fmt.Printf("Sent: %s\n", msg.ID)

	case "accept":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: chatctl accept <chat_id>")
			os.Exit(1)
		}
		session, err := client.Accept(ctx, os.Args[2])
		if err != nil {
			var conflict *protocol.StateConflictError
			if errors.As(err, &conflict) {
				fmt.Printf("Lost to: %s\n", conflict.Winner)
				os.Exit(1)
			}
			exitOnError(err)
		}
		fmt.Printf("Accepted: %s (agent %s)\n", session.ID, session.AssignedAgentID)

	case "status":
		if len(os.Args) < 4 {
			fmt.Fprintln(os.Stderr, "Usage: chatctl status <chat_id> <pending|active|resolved|closed>")
			os.Exit(1)
		}
		session, err := client.UpdateStatus(ctx, os.Args[2], protocol.Status(os.Args[3]))
		exitOnError(err)
		fmt.Printf("Status: %s -> %s\n", session.ID, session.Status)

	case "watch":
		watch(baseURL, token, os.Args[2:])

	case "help", "--help", "-h":
		usage()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

// watch connects the full socket core and streams events until interrupted.
func watch(baseURL, token string, chatIDs []string) {
	socketURL := os.Getenv("SUPPORTCHAT_WS_URL")
	if socketURL == "" {
		socketURL = "ws://localhost:8080/ws"
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	core := chatclient.New(chatclient.Options{
		BaseURL:   baseURL,
		SocketURL: socketURL,
		Token:     token,
		Logger:    logger,
		OnMessage: func(msg protocol.Message) {
			ts := time.UnixMilli(msg.CreatedAt).Format("15:04:05")
			fmt.Printf("[%s] %s %s: %s\n", ts, msg.ChatID, msg.SenderID, msg.Content)
		},
		OnStatus: func(ev protocol.StatusEvent) {
			fmt.Printf("* %s is now %s\n", ev.ChatID, ev.Status)
		},
		OnNewChat: func(s protocol.ChatSession) {
			fmt.Printf("* new chat %s (%s/%s)\n", s.ID, s.Priority, s.Category)
		},
		OnAccepted: func(ev protocol.AcceptedEvent) {
			fmt.Printf("* %s accepted by %s\n", ev.ChatID, ev.AgentName)
		},
		OnPresence: func(ev protocol.PresenceEvent) {
			state := "offline"
			if ev.Online {
				state = "online"
			}
			fmt.Printf("* %s is %s\n", ev.ParticipantID, state)
		},
		OnState: func(state chatclient.ConnState) {
			fmt.Fprintf(os.Stderr, "-- %s\n", state)
		},
	})

	ctx := context.Background()
	if err := core.Connect(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "connect:", err, "(retrying in background)")
	}
	for _, id := range chatIDs {
		if _, err := core.JoinChat(ctx, id); err != nil {
			fmt.Fprintln(os.Stderr, "join:", err)
		}
	}
	if len(chatIDs) == 0 {
		if err := core.JoinAdmin(); err != nil {
			fmt.Fprintln(os.Stderr, "admin join:", err)
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	_ = core.Close()
}

func usage() {
	fmt.Println(`chatctl - Support chat CLI

Usage: chatctl <command> [options]

Commands:
  open [message]                 Open a new support chat
  chats [status]                 List chats, optionally by status
  show <chat_id>                 Show one chat session
  history <chat_id>              Print recent messages
  send <chat_id> <message>       Send a message
  accept <chat_id>               Accept a pending chat (agents)
  status <chat_id> <status>      Transition a chat
  watch [chat_id...]             Stream live events (admin room if none)

Environment:
  SUPPORTCHAT_URL      Server URL (default: http://localhost:8080)
  SUPPORTCHAT_WS_URL   Socket URL (default: ws://localhost:8080/ws)
  SUPPORTCHAT_TOKEN    Bearer token (required)`)
}

func exitOnError(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func printJSON(v interface{}) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}
