package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"go.uber.org/zap/zaptest"

	"isomod/protocol"
	"isomod/world"
)

var testConfigFS = fstest.MapFS{
	world.PlayerFile:  {Data: []byte(`{"stats":{"speed":4,"jumpHeight":6}}`)},
	world.WorldFile:   {Data: []byte(`{"gridSize":{"x":10,"y":10},"spawns":[{"x":5,"y":5,"z":0}],"physics":{"gravity":20}}`)},
	world.SpritesFile: {Data: []byte(`{"1":{"name":"grass","solid":true},"2":{"name":"stone","solid":true,"toughness":2}}`)},
}

var testPublicFS = fstest.MapFS{
	"game.html":  {Data: []byte("<html>game</html>")},
	"index.html": {Data: []byte("<html>index</html>")},
	"game.js":    {Data: []byte("// game")},
}

func newTestHTTP(t *testing.T) (*RoomManager, *httptest.Server) {
	t.Helper()
	log := zaptest.NewLogger(t).Sugar()
	loader := world.NewLoader(testConfigFS)
	rooms := NewRoomManager(loader, log, WithRoomIDs(sequentialIDs()), WithTickInterval(time.Hour))
	h := NewHTTPHandler(rooms, loader, testPublicFS, nil, log)
	srv := httptest.NewServer(h.Routes())
	t.Cleanup(func() {
		srv.Close()
		rooms.Close()
	})
	return rooms, srv
}

var noRedirect = &http.Client{
	CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
}

func get(t *testing.T, url string) (*http.Response, string) {
	t.Helper()
	resp, err := noRedirect.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	return resp, buf.String()
}

func upload(t *testing.T, url string, files map[string]string) (*http.Response, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for field, content := range files {
		name := field + ".json"
		if field == "sprites" {
			name = "sprites/set.png"
		}
		fw, err := mw.CreateFormFile(field, name)
		if err != nil {
			t.Fatal(err)
		}
		_, _ = fw.Write([]byte(content))
	}
	_ = mw.Close()

	resp, err := http.Post(url, mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	return resp, buf.String()
}

func TestHTTP_NewRoomRedirects(t *testing.T) {
	rooms, srv := newTestHTTP(t)

	resp, _ := get(t, srv.URL+"/new")
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "/room-1" {
		t.Errorf("location = %q", loc)
	}
	if _, ok := rooms.Room("room-1"); !ok {
		t.Error("room not created")
	}
}

func TestHTTP_RoomPage(t *testing.T) {
	rooms, srv := newTestHTTP(t)
	if _, err := rooms.CreateRoom(); err != nil {
		t.Fatal(err)
	}

	resp, body := get(t, srv.URL+"/room-1")
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, "game") {
		t.Errorf("room page: %d %q", resp.StatusCode, body)
	}
	resp, body = get(t, srv.URL+"/missing")
	if resp.StatusCode != http.StatusNotFound || !strings.Contains(body, "Room not found") {
		t.Errorf("unknown room: %d %q", resp.StatusCode, body)
	}
	// 静态文件优先于房间 ID
	resp, body = get(t, srv.URL+"/game.js")
	if resp.StatusCode != http.StatusOK || body != "// game" {
		t.Errorf("static file: %d %q", resp.StatusCode, body)
	}
	resp, body = get(t, srv.URL+"/")
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, "index") {
		t.Errorf("index: %d %q", resp.StatusCode, body)
	}
}

func TestHTTP_GetConfig(t *testing.T) {
	rooms, srv := newTestHTTP(t)
	if _, err := rooms.CreateRoom(); err != nil {
		t.Fatal(err)
	}

	resp, body := get(t, srv.URL+"/api/room-1/config")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var cfg world.Config
	if err := json.Unmarshal([]byte(body), &cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.WorldConfig.GridSize.X != 10 || len(cfg.WorldConfig.SpriteConfigs) != 2 {
		t.Errorf("config = %+v", cfg)
	}

	resp, body = get(t, srv.URL+"/api/missing/config")
	if resp.StatusCode != http.StatusNotFound || strings.TrimSpace(body) != `{"error":"Room not found"}` {
		t.Errorf("unknown room: %d %s", resp.StatusCode, body)
	}
}

func TestHTTP_UploadConfig(t *testing.T) {
	rooms, srv := newTestHTTP(t)
	r, _ := rooms.CreateRoom()
	p := &recordingPeer{}
	if _, err := rooms.Join(context.Background(), 1, r.ID, p); err != nil {
		t.Fatal(err)
	}
	p.Reset()

	resp, body := upload(t, srv.URL+"/api/room-1/config", map[string]string{
		"player":  `{"stats":{"speed":6,"jumpHeight":5}}`,
		"world":   `{"gridSize":{"x":6,"y":6},"spawns":[{"x":1,"y":1,"z":0}],"physics":{"gravity":10},"background":"night.png","tiles":[{"x":0,"y":0,"layer":0,"spriteId":2}]}`,
		"sprites": "\x89PNG",
	})
	if resp.StatusCode != http.StatusOK || strings.TrimSpace(body) != `{"success":true}` {
		t.Fatalf("upload: %d %s", resp.StatusCode, body)
	}

	flush(t, r)
	if got := p.Types(); len(got) != 2 || got[0] != protocol.TypeConfigUpdated || got[1] != protocol.TypeWorldStateUpdated {
		t.Fatalf("events = %v", got)
	}
	cfg, _ := r.Config(context.Background())
	if cfg.PlayerConfig.Stats.Speed != 6 || cfg.WorldConfig.GridSize.X != 6 {
		t.Errorf("config = %+v", cfg)
	}
	// 世界配置未带精灵表：用服务器的精灵目录补齐
	if _, ok := cfg.WorldConfig.SpriteConfigs[2]; !ok {
		t.Errorf("sprite catalog not merged: %+v", cfg.WorldConfig.SpriteConfigs)
	}
	if tiles, _ := r.Tiles(context.Background()); len(tiles) != 1 {
		t.Errorf("tiles = %+v", tiles)
	}
	// 渲染端字段随配置原样返回
	if _, body := get(t, srv.URL+"/api/room-1/config"); !strings.Contains(body, `"background":"night.png"`) {
		t.Errorf("renderer field dropped: %s", body)
	}
}

func TestHTTP_UploadInvalidConfig(t *testing.T) {
	rooms, srv := newTestHTTP(t)
	r, _ := rooms.CreateRoom()
	p := &recordingPeer{}
	if _, err := rooms.Join(context.Background(), 1, r.ID, p); err != nil {
		t.Fatal(err)
	}
	p.Reset()

	// player 合法但 world 不是 JSON：整个上传作废
	resp, body := upload(t, srv.URL+"/api/room-1/config", map[string]string{
		"player": `{"stats":{"speed":9,"jumpHeight":9}}`,
		"world":  `{not json`,
	})
	if resp.StatusCode != http.StatusBadRequest || strings.TrimSpace(body) != `{"error":"Invalid configuration files"}` {
		t.Fatalf("upload: %d %s", resp.StatusCode, body)
	}

	flush(t, r)
	if evs := p.Events(); len(evs) != 0 {
		t.Errorf("rejected upload broadcast %v", p.Types())
	}
	cfg, _ := r.Config(context.Background())
	if cfg.PlayerConfig.Stats.Speed != 4 {
		t.Errorf("player config mutated: %+v", cfg.PlayerConfig)
	}

	resp, _ = upload(t, srv.URL+"/api/missing/config", map[string]string{"player": `{}`})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown room upload: %d", resp.StatusCode)
	}
}

func TestHTTP_SchemaMetricsAndConfigFiles(t *testing.T) {
	rooms, srv := newTestHTTP(t)
	if _, err := rooms.CreateRoom(); err != nil {
		t.Fatal(err)
	}

	resp, body := get(t, srv.URL+"/api/schema")
	if resp.StatusCode != http.StatusOK || !json.Valid([]byte(body)) || !strings.Contains(body, "worldConfig") {
		t.Errorf("schema: %d %s", resp.StatusCode, body)
	}

	resp, body = get(t, srv.URL+"/metrics?room=room-1")
	var m struct {
		Room    string         `json:"room"`
		Metrics map[string]any `json:"metrics"`
	}
	if err := json.Unmarshal([]byte(body), &m); err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics: %d %s", resp.StatusCode, body)
	}
	if m.Room != "room-1" {
		t.Errorf("metrics room = %q", m.Room)
	}
	if _, ok := m.Metrics["joins"]; !ok {
		t.Errorf("metrics = %v", m.Metrics)
	}

	resp, body = get(t, srv.URL+"/metrics")
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, `"rooms":1`) {
		t.Errorf("all metrics: %d %s", resp.StatusCode, body)
	}

	resp, body = get(t, srv.URL+"/isomodconfig/sprites.json")
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, "stone") {
		t.Errorf("config file: %d %s", resp.StatusCode, body)
	}

	resp, body = get(t, srv.URL+"/healthz")
	if resp.StatusCode != http.StatusOK || body != "ok" {
		t.Errorf("healthz: %d %s", resp.StatusCode, body)
	}
}
