package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/npezzotti/gochat-hub/internal/client"
	"github.com/npezzotti/gochat-hub/internal/logging"
	"github.com/npezzotti/gochat-hub/internal/types"
)

func main() {
	var (
		addr     = flag.String("addr", "http://localhost:8000", "hub base URL")
		token    = flag.String("token", os.Getenv("GOCHAT_TOKEN"), "bearer token")
		room     = flag.String("room", "", "room to join, defaults to the user's default room")
		device   = flag.String("device", "cli", "device name reported for presence")
		logLevel = flag.String("log-level", "warn", "log level")
	)
	flag.Parse()

	logger := logging.New(logging.Config{Level: *logLevel, Pretty: true})

	if *token == "" {
		logger.Fatal().Msg("a token is required")
	}

	wsURL, err := websocketURL(*addr)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid address")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	api := client.NewAPIClient(*addr, *token)

	session, err := api.Session(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to resolve session")
	}

	telemetry := client.NewHTTPTelemetry(api, logger)
	go telemetry.Run(ctx)

	printer := &timelinePrinter{seen: make(map[string]client.EntryState)}

	engine := client.NewEngine(&client.WebsocketDialer{
		URL:    wsURL,
		Token:  *token,
		Device: *device,
	}, client.Config{
		UserId:    session.UserId,
		Room:      *room,
		History:   api,
		Telemetry: telemetry,
	}, client.Hooks{
		OnStatus: func(s client.Status) {
			fmt.Printf("* %s\n", s.State)
		},
		OnTimeline: printer.print,
		OnJoined: func(res types.JoinResult) {
			fmt.Printf("* joined %s\n", res.Room)
			for _, p := range res.Presence {
				fmt.Printf("  %s online (%s)\n", p.UserId, strings.Join(p.Devices, ", "))
			}
		},
		OnPresence: func(p types.Presence) {
			if p.Online {
				fmt.Printf("* %s is online\n", p.UserId)
			} else {
				fmt.Printf("* %s is offline\n", p.UserId)
			}
		},
		OnError: func(code int, message string) {
			fmt.Printf("! %d %s\n", code, message)
		},
	}, logger.With().Str("component", "engine").Logger())

	go func() {
		if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("engine stopped")
		}
	}()

	go readInput(engine, logger)

	select {
	case <-ctx.Done():
		engine.Close()
	case <-engine.Done():
	}
	<-engine.Done()
}

func websocketURL(addr string) (string, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return "", err
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"

	return u.String(), nil
}

// readInput submits each line as a message. "/retry <tempId>" resends an
// abandoned message and "/read <id>" marks a message as read.
func readInput(engine *client.Engine, logger zerolog.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var err error
		switch {
		case strings.HasPrefix(line, "/retry "):
			var id int64
			if id, err = strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(line, "/retry ")), 10, 64); err == nil {
				err = engine.Retry(id)
			}
		case strings.HasPrefix(line, "/read "):
			var id int64
			if id, err = strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(line, "/read ")), 10, 64); err == nil {
				err = engine.MarkRead(id)
			}
		case line == "/quit":
			engine.Close()
			return
		default:
			_, err = engine.Submit(line)
		}

		if errors.Is(err, client.ErrClosed) {
			return
		}
		if err != nil {
			fmt.Printf("! %v\n", err)
		}
	}

	if err := scanner.Err(); err != nil {
		logger.Error().Err(err).Msg("read stdin")
	}
	engine.Close()
}

// timelinePrinter prints items the first time they appear and again when
// their delivery state changes. Hooks run on the engine goroutine.
type timelinePrinter struct {
	seen map[string]client.EntryState
}

func (p *timelinePrinter) print(items []client.Item) {
	for _, it := range items {
		key := "id:" + strconv.FormatInt(it.Message.Id, 10)
		if it.TempId != 0 {
			key = "tmp:" + strconv.FormatInt(it.TempId, 10)
		}

		if state, ok := p.seen[key]; ok && state == it.State {
			continue
		}
		p.seen[key] = it.State

		switch it.State {
		case client.Acked:
			fmt.Printf("[%d] %s: %s\n", it.Message.Id, it.Message.Sender, it.Message.Content)
		case client.Abandoned:
			fmt.Printf("[%d] %s: %s (failed, /retry %d)\n", it.TempId, it.Message.Sender, it.Message.Content, it.TempId)
		default:
			fmt.Printf("[%d] %s: %s (%s)\n", it.TempId, it.Message.Sender, it.Message.Content, it.State)
		}
	}
}
