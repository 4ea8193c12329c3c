package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime/multipart"
	"net/http"
	"path"
	"slices"
	"strings"

	"go.uber.org/zap"

	"isomod/world"
)

const (
	maxUploadMemory = 8 << 20
	maxSpriteFiles  = 20
	gamePage        = "game.html"
	msgInvalidFiles = "Invalid configuration files"
)

var spriteExts = []string{".png", ".jpg", ".gif"}

// HTTPHandler 管理与页面接口：创建房间、房间页、配置读取/上传、指标
type HTTPHandler struct {
	rooms  *RoomManager
	loader *world.Loader
	public fs.FS // 可为 nil：不提供静态页面
	ws     http.Handler
	log    *zap.SugaredLogger
}

func NewHTTPHandler(rooms *RoomManager, loader *world.Loader, public fs.FS, ws http.Handler, log *zap.SugaredLogger) *HTTPHandler {
	return &HTTPHandler{
		rooms:  rooms,
		loader: loader,
		public: public,
		ws:     ws,
		log:    log.Named("admin"),
	}
}

// Routes 注册全部路由
func (h *HTTPHandler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	if h.ws != nil {
		mux.Handle("GET /ws", h.ws)
	}
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /metrics", h.handleMetrics)
	mux.HandleFunc("GET /new", h.handleNew)
	mux.HandleFunc("GET /api/schema", h.handleSchema)
	mux.HandleFunc("GET /api/{roomId}/config", h.handleGetConfig)
	mux.HandleFunc("POST /api/{roomId}/config", h.handlePostConfig)
	mux.Handle("GET /isomodconfig/", http.StripPrefix("/isomodconfig/", http.FileServerFS(h.loader.FS)))
	mux.HandleFunc("GET /{roomId}", h.handleRoomPage)
	if h.public != nil {
		// 前后端分离：其余路径映射到静态资源目录
		mux.Handle("GET /", http.FileServerFS(h.public))
	}
	return mux
}

// handleNew 用默认配置创建房间并跳转到房间页
func (h *HTTPHandler) handleNew(w http.ResponseWriter, r *http.Request) {
	room, err := h.rooms.CreateRoom()
	if err != nil {
		h.log.Errorf("create room: %v", err)
		http.Error(w, "could not create room", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, "/"+room.ID, http.StatusFound)
}

// handleRoomPage 静态文件优先；否则房间存在时返回游戏页
func (h *HTTPHandler) handleRoomPage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("roomId")
	if h.public != nil {
		if st, err := fs.Stat(h.public, id); err == nil && !st.IsDir() {
			http.ServeFileFS(w, r, h.public, id)
			return
		}
	}
	if _, ok := h.rooms.Room(id); !ok {
		http.Error(w, "Room not found", http.StatusNotFound)
		return
	}
	if h.public != nil {
		if _, err := fs.Stat(h.public, gamePage); err == nil {
			http.ServeFileFS(w, r, h.public, gamePage)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = fmt.Fprintf(w, "room %s\n", id)
}

func (h *HTTPHandler) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	room, ok := h.rooms.Room(r.PathValue("roomId"))
	if !ok {
		writeError(w, http.StatusNotFound, "Room not found")
		return
	}
	cfg, err := room.Config(r.Context())
	if errors.Is(err, ErrRoomClosed) {
		writeError(w, http.StatusNotFound, "Room not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// handlePostConfig 上传 multipart：player（JSON）、world（JSON）、sprites（图片，最多 20 个）。
// 解析全部成功后才替换房间配置；临时文件总是清理。
func (h *HTTPHandler) handlePostConfig(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("roomId")
	room, ok := h.rooms.Room(id)
	if !ok {
		writeError(w, http.StatusNotFound, "Room not found")
		return
	}
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		h.log.Debugf("room %s upload: %v", id, err)
		writeError(w, http.StatusBadRequest, msgInvalidFiles)
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	pc, wc, err := h.parseUpload(r.MultipartForm)
	if err != nil {
		h.log.Infof("room %s upload rejected: %v", id, err)
		writeError(w, http.StatusBadRequest, msgInvalidFiles)
		return
	}

	err = room.ReplaceConfig(r.Context(), pc, wc)
	if errors.Is(err, ErrRoomClosed) {
		writeError(w, http.StatusNotFound, "Room not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *HTTPHandler) parseUpload(form *multipart.Form) (*world.PlayerConfig, *world.WorldConfig, error) {
	var (
		pc *world.PlayerConfig
		wc *world.WorldConfig
	)
	if data, ok, err := readFirst(form, "player"); err != nil {
		return nil, nil, err
	} else if ok {
		p, err := world.ParsePlayerConfig(data)
		if err != nil {
			return nil, nil, err
		}
		pc = &p
	}
	if data, ok, err := readFirst(form, "world"); err != nil {
		return nil, nil, err
	} else if ok {
		c, err := world.ParseWorldConfig(data)
		if err != nil {
			return nil, nil, err
		}
		if c.SpriteConfigs == nil {
			sprites, err := h.loader.Sprites()
			if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return nil, nil, err
			}
			c.SpriteConfigs = sprites
		}
		wc = &c
	}

	images := form.File["sprites"]
	if len(images) > maxSpriteFiles {
		return nil, nil, fmt.Errorf("%d sprite files, at most %d", len(images), maxSpriteFiles)
	}
	for _, fh := range images {
		if !slices.Contains(spriteExts, strings.ToLower(path.Ext(fh.Filename))) {
			return nil, nil, fmt.Errorf("sprite %q: unsupported image type", fh.Filename)
		}
	}
	if len(images) > 0 {
		h.log.Infof("received %d sprite files", len(images))
	}
	return pc, wc, nil
}

func readFirst(form *multipart.Form, field string) ([]byte, bool, error) {
	files := form.File[field]
	if len(files) == 0 {
		return nil, false, nil
	}
	if len(files) > 1 {
		return nil, false, fmt.Errorf("field %s: expected one file, got %d", field, len(files))
	}
	f, err := files[0].Open()
	if err != nil {
		return nil, false, err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (h *HTTPHandler) handleSchema(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, world.Schema())
}

// handleMetrics 输出运行指标
// GET /metrics?room=<id>  单个房间
// GET /metrics            全部房间
func (h *HTTPHandler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if id := r.URL.Query().Get("room"); id != "" {
		room, ok := h.rooms.Room(id)
		if !ok {
			writeError(w, http.StatusNotFound, "Room not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"room":    id,
			"metrics": room.Metrics().Snapshot(),
		})
		return
	}
	all := make(map[string]any)
	for _, room := range h.rooms.Rooms() {
		all[room.ID] = room.Metrics().Snapshot()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rooms":   len(all),
		"metrics": all,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
