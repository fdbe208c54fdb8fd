// Command server runs a headless peepcast viewer for deployments: rooms,
// sessions and metrics over HTTP, with the latest frame of each room
// served as PNG.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"image/png"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/tomaslejdung/peepcast/pkg/config"
	"github.com/tomaslejdung/peepcast/pkg/frame"
	"github.com/tomaslejdung/peepcast/pkg/metrics"
	"github.com/tomaslejdung/peepcast/pkg/quality"
	"github.com/tomaslejdung/peepcast/pkg/session"
	sig "github.com/tomaslejdung/peepcast/pkg/signal"
	"github.com/tomaslejdung/peepcast/pkg/stream"
)

// roomInfo is one entry of GET /rooms
type roomInfo struct {
	Code      string `json:"code"`
	Protected bool   `json:"protected"`
	Sharer    string `json:"sharer,omitempty"`
	Live      bool   `json:"live"`
	State     string `json:"state,omitempty"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
	Tier      string `json:"tier,omitempty"`
	LastSeq   uint64 `json:"lastSeq,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// sessionInfo is one entry of GET /sessions
type sessionInfo struct {
	ID       string    `json:"id"`
	State    string    `json:"state"`
	Width    int       `json:"width,omitempty"`
	Height   int       `json:"height,omitempty"`
	Tier     string    `json:"tier"`
	LastAck  uint64    `json:"lastAck"`
	Created  time.Time `json:"created"`
	LastSeen time.Time `json:"lastSeen"`
}

type app struct {
	srv      *sig.Server
	host     *stream.Host
	registry *session.Registry
}

func (a *app) rooms() []roomInfo {
	views := make(map[string]stream.RoomView)
	for _, v := range a.host.Rooms() {
		views[v.Room] = v
	}
	var out []roomInfo
	for _, code := range a.srv.RoomCodes() {
		room, ok := a.srv.Room(code)
		if !ok {
			continue
		}
		info := roomInfo{Code: code, Protected: room.Protected(), Sharer: room.Sharer()}
		if v, ok := views[code]; ok {
			snap := v.Stats.Session
			info.Live = v.Live
			info.State = snap.State.String()
			info.Width, info.Height = snap.Width, snap.Height
			info.Tier = quality.Tiers[quality.ClampTier(snap.Tier)].Name
			info.LastSeq = v.Stats.LastSeq
			info.Reason = snap.Reason
		}
		out = append(out, info)
	}
	return out
}

// sessions lists the open sessions, oldest first.
func (a *app) sessions() []sessionInfo {
	snaps := a.registry.Snapshots()
	out := make([]sessionInfo, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, sessionInfo{
			ID:       s.ID.String(),
			State:    s.State.String(),
			Width:    s.Width,
			Height:   s.Height,
			Tier:     quality.Tiers[quality.ClampTier(s.Tier)].Name,
			LastAck:  s.LastAckSeq,
			Created:  s.Created,
			LastSeen: s.LastSeen,
		})
	}
	return out
}

func (a *app) handleSessions(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(a.sessions()); err != nil {
		log.Printf("Sessions: %v", err)
	}
}

func (a *app) handleRooms(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(a.rooms()); err != nil {
		log.Printf("Rooms: %v", err)
	}
}

// handleFrame serves /frame/{room}.png
func (a *app) handleFrame(w http.ResponseWriter, r *http.Request) {
	code := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/frame/"), ".png")
	f := a.host.Frame(code)
	if f == nil {
		http.Error(w, "No frame", http.StatusNotFound)
		return
	}
	img, err := frame.ToImage(f)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if err := png.Encode(w, img); err != nil {
		log.Printf("Frame %s: %v", code, err)
	}
}

// logStats logs one line per live room every interval
func (a *app) logStats(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := a.registry.Len(); n > 0 {
				log.Printf("%d open session(s)", n)
			}
			for _, v := range a.host.Rooms() {
				if !v.Live {
					continue
				}
				st := v.Stats
				log.Printf("Room %s: %s %dx%d seq=%d applied=%d stale=%d gaps=%d resyncs=%d bytes=%d",
					v.Room, st.Session.State, st.Session.Width, st.Session.Height, st.LastSeq,
					st.Applied, st.Stale, st.Gaps, st.KeyframeRequests, st.Bytes)
			}
		}
	}
}

func main() {
	configPath := flag.String("config", "", "YAML config file")
	port := flag.Int("port", 0, "Server port (overrides config)")
	rooms := flag.Int("rooms", 1, "Rooms to open")
	password := flag.String("password", "", "Password for every room")
	statsEvery := flag.Duration("stats", 10*time.Second, "Stats log interval, 0 disables")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("Config: %v", err)
		}
		cfg = loaded
	}

	// Check for PORT env var (for cloud deployments)
	if envPort := os.Getenv("PORT"); envPort != "" && *port == 0 {
		fmt.Sscanf(envPort, "%d", port)
	}
	if *port > 0 {
		cfg.Server.Listen = fmt.Sprintf(":%d", *port)
	}

	registry := session.NewRegistry(cfg.Server.MaxSessions)
	host := stream.NewHost(registry, cfg.StreamOptions())
	a := &app{
		host:     host,
		registry: registry,
		srv: sig.NewServer(sig.Config{
			ICE:            cfg.TransportICE(),
			ConnectTimeout: cfg.Transport.ConnectTimeout,
			Handler:        host.Handle,
		}),
	}

	first := a.srv.CreateRoom(cfg.Server.Room, *password)
	log.Printf("Room %s ready", first.Code())
	for i := 1; i < *rooms; i++ {
		log.Printf("Room %s ready", a.srv.CreateRoom("", *password).Code())
	}

	extra := map[string]http.Handler{
		"/rooms":    http.HandlerFunc(a.handleRooms),
		"/sessions": http.HandlerFunc(a.handleSessions),
		"/frame/":   http.HandlerFunc(a.handleFrame),
	}
	if cfg.Server.MetricsPath != "" {
		extra[cfg.Server.MetricsPath] = metrics.Handler(metrics.NewRegistry())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *statsEvery > 0 {
		go a.logStats(ctx, *statsEvery)
	}
	if err := a.srv.ListenAndServe(ctx, cfg.Server.Listen, extra); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
