package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"nhooyr.io/websocket"

	"github.com/brandpulse/engine/internal/scheduler"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream live scheduler events",
	RunE:  runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	wsURL, err := eventsURL(apiAddr)
	if err != nil {
		return err
	}

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("connect %s: %w", wsURL, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	fmt.Println("Watching scheduler events (Ctrl-C to stop)")
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				fmt.Println("Stream closed by orchestrator")
				return nil
			}
			return err
		}

		var ev scheduler.AdminEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		printEvent(ev)
	}
}

func printEvent(ev scheduler.AdminEvent) {
	line := fmt.Sprintf("%s  %-18s", ev.At.Format("15:04:05"), ev.Type)
	if ev.WorkerID != "" {
		line += " worker=" + ev.WorkerID
	}
	if ev.TaskID != "" {
		line += " task=" + ev.TaskID
	}
	if ev.Kind != "" {
		line += " kind=" + string(ev.Kind)
	}
	if ev.Detail != "" {
		line += " " + ev.Detail
	}
	fmt.Println(line)
}

func eventsURL(addr string) (string, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return "", fmt.Errorf("invalid address %q: %w", addr, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/api/v1/events"
	return u.String(), nil
}
