package main

import (
	"context"
	"flag"
	"net/url"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/example/pipeline-board/internal/api"
	"github.com/example/pipeline-board/internal/board"
	"github.com/example/pipeline-board/internal/push"
	"github.com/example/pipeline-board/internal/route"
	"github.com/example/pipeline-board/internal/types"
)

func main() {
	server := flag.String("server", "http://localhost:8080", "board server base URL")
	wsAddr := flag.String("ws", "", "push channel address (derived from -server when empty)")
	boardID := flag.String("board", "main", "board id to watch")
	clientID := flag.String("client", "", "client id (generated when empty)")
	verbose := flag.Bool("verbose", false, "log at debug level")
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339Nano
	if !*verbose {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	id := *clientID
	if id == "" {
		id = xid.New().String()
	}
	logger := log.With().Str("board", *boardID).Str("client_id", id).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pushURL, err := derivePushURL(*server, *wsAddr, *boardID, id)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid server address")
	}

	client := api.NewClient(*server, logger)
	b := board.New(client, client, logger)
	defer b.Close()

	b.Subscribe(func(name types.Collection) {
		if name == "" {
			renderNavigation(b, logger)
			return
		}
		renderCollection(b, name, logger)
	})

	router := route.NewRouter(b, b, logger)

	if view, err := client.ActiveView(ctx); err != nil {
		logger.Warn().Err(err).Msg("active view lookup failed; starting on select")
	} else {
		b.SwitchView(view)
	}
	b.RefreshAll(ctx)

	channel := push.Open(ctx, pushURL, push.HandlerFunc(func(event types.PushEvent) {
		router.Route(ctx, event)
	}), logger)
	defer channel.Close()

	logger.Info().Str("push_url", pushURL).Msg("watching board")
	<-ctx.Done()
	logger.Info().Msg("stopping watcher")
}

// derivePushURL turns the REST base URL into the websocket endpoint unless
// an explicit one was given.
func derivePushURL(server, override, boardID, clientID string) (string, error) {
	raw := override
	if raw == "" {
		u, err := url.Parse(server)
		if err != nil {
			return "", err
		}
		switch u.Scheme {
		case "https":
			u.Scheme = "wss"
		default:
			u.Scheme = "ws"
		}
		u.Path = strings.TrimRight(u.Path, "/") + "/ws"
		raw = u.String()
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("board_id", boardID)
	q.Set("client_id", clientID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// renderNavigation logs the active view after a navigation-only change.
func renderNavigation(b *board.Board, logger zerolog.Logger) {
	view := b.ActiveView()
	event := logger.Info().Str("view", string(view)).Int("step", view.Step())
	if id, ok := b.FocusedRecord(view); ok {
		event = event.Str("focused", id)
	}
	event.Msg("view changed")
}

// renderCollection logs a compact description of what the board would draw,
// including rows still animating out.
func renderCollection(b *board.Board, name types.Collection, logger zerolog.Logger) {
	order := b.DisplayOrder(name)
	tracker := b.Tracker(name)

	rows := make([]string, 0, len(order))
	for _, id := range order {
		item, ok := b.DisplayItem(name, id)
		if !ok {
			continue
		}
		label := item.Field("title")
		if label == "" {
			label = item.Field("company")
		}
		if label == "" {
			label = id
		}
		switch {
		case tracker.Entering(id):
			label = "+" + label
		case tracker.Exiting(id):
			label = "-" + label
		case tracker.Moved(id):
			label = "~" + label
		}
		rows = append(rows, label)
	}

	event := logger.Info().
		Str("collection", string(name)).
		Int("rows", len(rows)).
		Strs("order", rows)
	if id, ok := tracker.PrimaryMoved(); ok {
		event = event.Str("primary_moved", id)
	}
	event.Msg("board updated")
}
