// ABOUTME: Reference pull-connection agent: dials relay-gateway and echoes tasks word by word.
// ABOUTME: Usage: relay-agent [-url ws://localhost:8080/agent/connect] [-config gateway.yaml] -id ID -secret SECRET
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/2389/agent-relay/internal/agentclient"
	"github.com/2389/agent-relay/internal/config"
	"github.com/2389/agent-relay/internal/protocol"
)

func main() {
	url := flag.String("url", "ws://localhost:8080/agent/connect", "gateway pull-connection URL")
	agentID := flag.String("id", "echo-agent", "agent id")
	secret := flag.String("secret", os.Getenv("RELAY_AGENT_SECRET"), "agent secret or signed token (default $RELAY_AGENT_SECRET)")
	delay := flag.Duration("delay", 50*time.Millisecond, "pause between streamed words")
	ping := flag.Duration("ping", agentclient.DefaultPingInterval, "keepalive ping interval")
	reconnect := flag.Duration("reconnect", agentclient.DefaultReconnectDelay, "delay before reconnecting")
	debug := flag.Bool("debug", false, "enable debug logging")
	configPath := flag.String("config", "", "gateway config to take agents.ping_interval and agents.reconnect_delay from")
	flag.Parse()

	if *configPath != "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		*ping, *reconnect = agentTiming(cfg, explicitFlags(), *ping, *reconnect)
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if *secret == "" {
		fmt.Fprintln(os.Stderr, "Error: -secret or RELAY_AGENT_SECRET is required")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client := agentclient.New(agentclient.Config{
		URL:     *url,
		AgentID: *agentID,
		Secret:  *secret,
		Skills: []protocol.Skill{
			{Name: "echo", Description: "Repeats the message back, one word at a time"},
		},
		Handler:        echoHandler(logger, *delay),
		PingInterval:   *ping,
		ReconnectDelay: *reconnect,
		Logger:         logger,
		OnStateChange: func(s agentclient.State) {
			logger.Info("connection state", "state", s.String())
		},
	})

	err := client.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("agent stopped", "error", err)
		os.Exit(1)
	}
}

// explicitFlags returns the names of flags set on the command line.
func explicitFlags() map[string]bool {
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return set
}

// agentTiming prefers explicit -ping/-reconnect flags over the config file.
func agentTiming(cfg *config.Config, explicit map[string]bool, ping, reconnect time.Duration) (time.Duration, time.Duration) {
	if !explicit["ping"] {
		ping = cfg.Agents.PingInterval
	}
	if !explicit["reconnect"] {
		reconnect = cfg.Agents.ReconnectDelay
	}
	return ping, reconnect
}

// echoHandler streams "Echo: <content>" back one word per chunk.
func echoHandler(logger *slog.Logger, delay time.Duration) agentclient.TaskHandler {
	return func(ctx context.Context, t *agentclient.Task) error {
		logger.Info("received task", "task_id", t.ID, "conversation_id", t.ConversationID, "content", t.Content)

		reply := echoReply(t)
		words := strings.SplitAfter(reply, " ")
		for _, w := range words {
			if err := t.SendChunk(w); err != nil {
				return err
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		return t.SendComplete(reply, mentionsIn(t.Content, t.Members)...)
	}
}

func echoReply(t *agentclient.Task) string {
	if strings.TrimSpace(t.Content) == "" {
		return "Echo: (empty message)"
	}
	if len(t.History) > 0 {
		return fmt.Sprintf("Echo: %s (after %d earlier messages)", t.Content, len(t.History))
	}
	return "Echo: " + t.Content
}

// mentionsIn returns the members addressed as @name in content.
func mentionsIn(content string, members []string) []string {
	var mentions []string
	for _, m := range members {
		if strings.Contains(content, "@"+m) {
			mentions = append(mentions, m)
		}
	}
	return mentions
}
