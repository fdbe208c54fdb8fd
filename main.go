package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image/png"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/tomaslejdung/peepcast/pkg/config"
	"github.com/tomaslejdung/peepcast/pkg/frame"
	"github.com/tomaslejdung/peepcast/pkg/metrics"
	"github.com/tomaslejdung/peepcast/pkg/quality"
	"github.com/tomaslejdung/peepcast/pkg/session"
	"github.com/tomaslejdung/peepcast/pkg/settings"
	sig "github.com/tomaslejdung/peepcast/pkg/signal"
	"github.com/tomaslejdung/peepcast/pkg/stream"
)

// DefaultServer is the viewer server a sharer connects to without --server
const DefaultServer = "ws://localhost:8080"

// Flags holds the command line
type Flags struct {
	ConfigPath string
	ServeMode  bool
	Port       int
	Server     string
	Room       string
	Password   string
	Tier       string
	MaxTier    string
	Fixed      bool
	Transport  string
	Pattern    string
	Images     string
	Snapshot   string
	Headless   bool
	Help       bool

	// TURN server configuration
	TURNServer string
	TURNUser   string
	TURNPass   string
	ForceRelay bool // Force TURN relay (no direct P2P)
	LANOnly    bool

	set map[string]bool
}

func parseFlags(fs *flag.FlagSet, args []string) (Flags, error) {
	f := Flags{set: make(map[string]bool)}

	fs.StringVar(&f.ConfigPath, "config", "", "YAML config file")
	fs.StringVar(&f.ConfigPath, "c", "", "YAML config file (shorthand)")

	fs.BoolVar(&f.ServeMode, "serve", false, "Run as viewer server")
	fs.BoolVar(&f.ServeMode, "s", false, "Run as viewer server (shorthand)")

	fs.IntVar(&f.Port, "port", 0, "Viewer server port")
	fs.IntVar(&f.Port, "p", 0, "Viewer server port (shorthand)")

	fs.StringVar(&f.Server, "server", DefaultServer, "Viewer server to share to")
	fs.StringVar(&f.Room, "room", "", "Room code")
	fs.StringVar(&f.Room, "r", "", "Room code (shorthand)")
	fs.StringVar(&f.Password, "password", "", "Room password")

	fs.StringVar(&f.Tier, "tier", "", "Initial quality tier (min|lo|med|std|hi|max or 0-5)")
	fs.StringVar(&f.Tier, "t", "", "Initial quality tier (shorthand)")
	fs.StringVar(&f.MaxTier, "max-tier", "", "Highest tier sharers may use (serve mode)")
	fs.BoolVar(&f.Fixed, "fixed", false, "Disable adaptive quality")
	fs.StringVar(&f.Transport, "transport", "", "Transport after join (websocket|webrtc)")

	fs.StringVar(&f.Pattern, "pattern", "", "Synthetic source pattern (desktop|static|noise)")
	fs.StringVar(&f.Images, "images", "", "Comma separated images to share as a slideshow")
	fs.StringVar(&f.Snapshot, "snapshot", "", "Write the last received frame as PNG on exit (serve mode)")
	fs.BoolVar(&f.Headless, "headless", false, "No dashboard, log to stderr")

	// TURN server flags
	fs.StringVar(&f.TURNServer, "turn", "", "TURN server URL (e.g., turn:turn.example.com:3478)")
	fs.StringVar(&f.TURNUser, "turn-user", "", "TURN server username")
	fs.StringVar(&f.TURNPass, "turn-pass", "", "TURN server password")
	fs.BoolVar(&f.ForceRelay, "force-relay", false, "Force TURN relay (disable direct P2P)")
	fs.BoolVar(&f.LANOnly, "lan", false, "Only gather host ICE candidates")

	fs.BoolVar(&f.Help, "help", false, "Show help")
	fs.BoolVar(&f.Help, "h", false, "Show help (shorthand)")

	if err := fs.Parse(args); err != nil {
		return f, err
	}
	fs.Visit(func(fl *flag.Flag) { f.set[fl.Name] = true })
	return f, nil
}

func printHelp() {
	fmt.Println(`peepcast - changed-region screen sharing

Usage: peepcast [options]            share to a viewer server
       peepcast --serve [options]    run a viewer server

Options:
  --config, -c <path>    YAML config (default: peepcast.yaml in the config dir)
  --serve, -s            Run as viewer server
  --port, -p <port>      Viewer server port (default from config, 8080)
  --server <addr>        Viewer server to share to (default: ` + DefaultServer + `)
  --room, -r <code>      Room code (serve: fixed code, share: room to join)
  --password <pass>      Room password
  --tier, -t <tier>      Initial tier: min, lo, med, std, hi, max or 0-5
  --max-tier <tier>      Highest tier sharers may use (serve mode)
  --fixed                Disable adaptive quality
  --transport <mode>     websocket or webrtc
  --pattern <name>       Synthetic pattern: desktop, static, noise
  --images <a,b,...>     Share images as a slideshow
  --snapshot <path>      Write the last frame as PNG on exit (serve mode)
  --headless             No dashboard, log to stderr
  --help, -h             Show help

Network Options:
  --turn <url>           TURN server URL (e.g., turn:turn.example.com:3478)
  --turn-user <user>     TURN server username
  --turn-pass <pass>     TURN server password
  --force-relay          Force TURN relay (disable direct P2P connections)
  --lan                  Only use host candidates

Quality Tiers:
  0 Minimal   5 fps, half res
  1 Low      10 fps, half res
  2 Medium   15 fps, 3/4 res
  3 Standard 30 fps (default)
  4 High     45 fps
  5 Max      60 fps

Examples:
  peepcast --serve --room amber-falcon-07
  peepcast --room amber-falcon-07 --tier hi
  peepcast --room amber-falcon-07 --transport webrtc --images a.png,b.png

Dashboard Controls:
  1-6           Select tier (share) or cap sharers (serve)
  ↑/↓ or j/k    Move the tier cursor, Enter applies (share)
  a             Toggle adaptive quality (share)
  K             Force a keyframe (share)
  u             Remove the tier cap (serve)
  w             Write a PNG snapshot (serve)
  i             Toggle stats panel
  q, ^c         Quit`)
}

// loadConfig resolves the YAML config: the --config file, else the default
// file in the settings dir if present, else built-in defaults. Saved user
// preferences seed the defaults; flags override everything.
func loadConfig(f Flags, prefs settings.UserSettings) (*config.Config, error) {
	cfg := config.Default()
	cfg.Quality.Tier = quality.Tiers[prefs.Tier].Name
	cfg.Quality.Adaptive = prefs.Adaptive
	if prefs.Transport != "" {
		cfg.Transport.Mode = string(sig.ParseMode(prefs.Transport))
	}

	path := f.ConfigPath
	if path == "" {
		if def, err := settings.ConfigFile(); err == nil {
			if _, err := os.Stat(def); err == nil {
				path = def
			}
		}
	}
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if f.Port > 0 {
		cfg.Server.Listen = fmt.Sprintf(":%d", f.Port)
	}
	if f.ServeMode && f.Room != "" {
		cfg.Server.Room = f.Room
	}
	if f.set["tier"] || f.set["t"] {
		cfg.Quality.Tier = f.Tier
	}
	if f.MaxTier != "" {
		cfg.Quality.MaxTier = f.MaxTier
	}
	if f.Fixed {
		cfg.Quality.Adaptive = false
	}
	if f.Transport != "" {
		cfg.Transport.Mode = string(sig.ParseMode(f.Transport))
	}
	if f.Pattern != "" {
		cfg.Capture.Source = "synthetic"
		cfg.Capture.Pattern = f.Pattern
	}
	if f.Images != "" {
		cfg.Capture.Source = "images"
		cfg.Capture.Images = strings.Split(f.Images, ",")
	}
	if f.TURNServer != "" {
		cfg.ICE.TURNServer = f.TURNServer
		cfg.ICE.TURNUser = f.TURNUser
		cfg.ICE.TURNPass = f.TURNPass
	}
	cfg.ICE.ForceRelay = cfg.ICE.ForceRelay || f.ForceRelay
	cfg.ICE.LANOnly = cfg.ICE.LANOnly || f.LANOnly

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	f, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	if f.Help {
		printHelp()
		return
	}

	prefs, err := settings.Load()
	if err != nil {
		log.Printf("Failed to load settings: %v", err)
	}
	cfg, err := loadConfig(f, prefs)
	if err != nil {
		log.Fatalf("Config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if f.ServeMode {
		err = runServe(ctx, cfg, f)
	} else {
		err = runShare(ctx, cfg, f, prefs)
	}
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func runShare(ctx context.Context, cfg *config.Config, f Flags, prefs settings.UserSettings) error {
	if f.Room == "" {
		return errors.New("--room is required to share")
	}
	src, err := cfg.Source()
	if err != nil {
		return fmt.Errorf("capture source: %w", err)
	}
	defer src.Close()

	mode := sig.Mode(cfg.Transport.Mode)
	fmt.Printf("Joining room %s on %s (%s)...\n", sig.NormalizeRoomCode(f.Room), f.Server, mode)
	link, err := sig.Dial(ctx, f.Server, sig.DialOptions{
		Room:           f.Room,
		Password:       f.Password,
		Mode:           mode,
		ICE:            cfg.TransportICE(),
		ConnectTimeout: cfg.Transport.ConnectTimeout,
	})
	if err != nil {
		return err
	}

	sharer, err := stream.NewSharer(src, link, cfg.StreamOptions())
	if err != nil {
		link.Close()
		return err
	}

	prefs.Server = f.Server
	prefs.Room = sig.NormalizeRoomCode(f.Room)
	prefs.Transport = string(mode)
	if err := settings.Save(prefs); err != nil {
		log.Printf("Failed to save settings: %v", err)
	}

	if f.Headless {
		return sharer.Run(ctx)
	}
	m := newShareModel(sharer, prefs.Room, link.Name(), prefs)
	return RunTUI(ctx, m, sharer.Run)
}

func runServe(ctx context.Context, cfg *config.Config, f Flags) error {
	registry := session.NewRegistry(cfg.Server.MaxSessions)
	host := stream.NewHost(registry, cfg.StreamOptions())

	srv := sig.NewServer(sig.Config{
		ICE:            cfg.TransportICE(),
		ConnectTimeout: cfg.Transport.ConnectTimeout,
		Handler:        host.Handle,
	})
	room := srv.CreateRoom(cfg.Server.Room, f.Password)

	extra := map[string]http.Handler{}
	if cfg.Server.MetricsPath != "" {
		extra[cfg.Server.MetricsPath] = metrics.Handler(metrics.NewRegistry())
	}

	run := func(ctx context.Context) error {
		return srv.ListenAndServe(ctx, cfg.Server.Listen, extra)
	}
	defer func() {
		if f.Snapshot == "" {
			return
		}
		if err := writeSnapshot(f.Snapshot, host.Frame(room.Code())); err != nil {
			log.Printf("Snapshot: %v", err)
		}
	}()

	if f.Headless {
		log.Printf("Room %s ready, share with: peepcast --server <this host>%s --room %s", room.Code(), cfg.Server.Listen, room.Code())
		return run(ctx)
	}
	m := newServeModel(host, room.Code(), cfg.Server.Listen, f.Snapshot)
	return RunTUI(ctx, m, run)
}

// writeSnapshot encodes f as PNG at path.
func writeSnapshot(path string, f *frame.Frame) error {
	if f == nil {
		return errors.New("no frame received")
	}
	img, err := frame.ToImage(f)
	if err != nil {
		return err
	}
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(out, img); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
