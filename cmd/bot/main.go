// bot 无界面客户端：加入房间，用本地预测走动、跳跃，并周期性放置/破坏方块。
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"isomod/client"
	"isomod/protocol"
	"isomod/server"
	"isomod/world"
)

const frameDT = 1.0 / 60

func main() {
	if err := run(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		addr   string
		room   string
		codec  string
		build  bool
		period time.Duration
	)
	flag.StringVar(&addr, "server", "http://localhost:3000", "server base url")
	flag.StringVar(&room, "room", "", "room id; empty creates a new room")
	flag.StringVar(&codec, "codec", "json", "json|msgpack")
	flag.BoolVar(&build, "build", true, "place and break tiles while walking")
	flag.DurationVar(&period, "turn", 2*time.Second, "time between direction changes")
	flag.Parse()

	log, err := server.NewLogger(server.LogOptions{Console: true, Level: "info"})
	if err != nil {
		return err
	}
	defer server.SyncLogger(log)
	log = log.Named("bot")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if room == "" {
		if room, err = createRoom(ctx, addr); err != nil {
			return err
		}
		log.Infof("created room %s", room)
	}

	c, err := client.Dial(ctx, wsURL(addr), codec, log)
	if err != nil {
		return err
	}
	defer c.Close()
	c.OnFrame = func(f protocol.Frame) {
		switch f.Type {
		case protocol.TypePlayerJoined, protocol.TypePlayerLeft, protocol.TypeTileChanged, protocol.TypeConfigUpdated:
			log.Infof("<- %s", f.Type)
		}
	}
	if err := c.Join(room); err != nil {
		return err
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return c.Run(ctx) })
	eg.Go(func() error { return walk(ctx, c, build, period, log) })
	return eg.Wait()
}

// walk 60 FPS 本地预测并上报 playerMove，与网页客户端的游戏循环一致
func walk(ctx context.Context, c *client.Client, build bool, period time.Duration, log *zap.SugaredLogger) error {
	m := c.Mirror()
	ticker := time.NewTicker(time.Duration(frameDT * float64(time.Second)))
	defer ticker.Stop()

	dirs := []world.Intent{{Right: true}, {Down: true}, {Left: true}, {Up: true}, {Right: true, Down: true}}
	turn := time.Now()
	dir := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if !m.Joined() {
			continue
		}

		in := dirs[dir]
		if time.Since(turn) >= period {
			turn = time.Now()
			dir = (dir + 1) % len(dirs)
			in.Jump = true
			if build {
				if err := edit(c, m); err != nil {
					return err
				}
			}
		}
		body, err := m.Predict(in, frameDT)
		if err != nil {
			continue
		}
		if err := c.Send(protocol.TypePlayerMove, body); err != nil {
			return err
		}
		if in.Jump {
			log.Debugf("at (%.2f, %.2f, %.2f)", body.X, body.Y, body.Z)
		}
	}
}

// edit 在脚下破坏可破坏的方块，否则在面前放一块草
func edit(c *client.Client, m *client.Mirror) error {
	self := m.Self()
	x, y := int(math.Floor(self.X)), int(math.Floor(self.Y))
	top := m.GroundLevel(x, y) - 1
	if top >= 0 && m.CanBreak(x, y, top) {
		return c.Send(protocol.TypeTileBreak, protocol.TileBreak{X: x, Y: y, Layer: top})
	}
	nx := x + 1
	return c.Send(protocol.TypeTilePlace, protocol.TilePlace{X: nx, Y: y, Layer: m.GroundLevel(nx, y), SpriteID: 1})
}

// createRoom GET /new，不跟随跳转，从 Location 取房间 ID
func createRoom(ctx context.Context, base string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(base, "/")+"/new", nil)
	if err != nil {
		return "", err
	}
	hc := &http.Client{
		Timeout:       5 * time.Second,
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
	resp, err := hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("create room: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		return "", fmt.Errorf("create room: unexpected status %s", resp.Status)
	}
	return strings.TrimPrefix(resp.Header.Get("Location"), "/"), nil
}

func wsURL(base string) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws"
	return u.String()
}
