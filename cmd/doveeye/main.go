package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/JirkaHarasim/dove-eye-tld/internal/aggregator"
	"github.com/JirkaHarasim/dove-eye-tld/internal/app"
	"github.com/JirkaHarasim/dove-eye-tld/internal/capture"
	"github.com/JirkaHarasim/dove-eye-tld/internal/controller"
	"github.com/JirkaHarasim/dove-eye-tld/internal/frame"
	"github.com/JirkaHarasim/dove-eye-tld/internal/params"
	"github.com/JirkaHarasim/dove-eye-tld/internal/server"
	"github.com/JirkaHarasim/dove-eye-tld/internal/store"
	"github.com/JirkaHarasim/dove-eye-tld/internal/tracker"
	"github.com/JirkaHarasim/dove-eye-tld/internal/tray"
)

const devicesKey = "devices"

func main() {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		log.Fatalf("Failed to get home directory: %v", err)
	}
	dataDir := filepath.Join(homeDir, ".doveeye")

	var (
		configPath = flag.String("config", filepath.Join(dataDir, "params.yaml"), "tracking parameters file, created with defaults if missing")
		addr       = flag.String("addr", ":8080", "HTTP listen address")
		dbPath     = flag.String("db", filepath.Join(dataDir, "doveeye.db"), "database file")
		devices    = flag.String("devices", "", "comma separated device numbers to use, in camera order (default: all found)")
		videos     = flag.String("video", "", "comma separated video files to use instead of devices")
		useTray    = flag.Bool("tray", false, "show a system tray menu")
		record     = flag.Bool("record", false, "record posits to the database")
		retain     = flag.Duration("retain", 24*time.Hour, "how long recorded posits are kept")
		debug      = flag.Bool("debug", false, "log per-frame diagnostics")
	)
	flag.Parse()

	fmt.Println("Dove Eye - Multi-Camera Optical Tracker")

	var diag io.Writer = io.Discard
	if *debug {
		diag = os.Stderr
	}
	tracker.SetLogWriters(os.Stderr, diag, diag)
	aggregator.SetLogWriters(os.Stderr, diag, diag)
	controller.SetLogWriters(os.Stderr, diag, diag)

	if err := params.WriteDefault(*configPath); err != nil {
		log.Fatalf("Failed to write default parameters: %v", err)
	}
	p, err := params.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load parameters: %v", err)
	}

	if err := os.MkdirAll(filepath.Dir(*dbPath), 0755); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}
	st, err := store.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	defer st.Close()

	if *record {
		n, err := st.Posits().Prune(time.Now().Add(-*retain))
		if err != nil {
			log.Printf("Failed to prune posits: %v", err)
		} else if n > 0 {
			log.Printf("Pruned %d posits older than %s", n, *retain)
		}
	}

	a, err := app.New(app.Config{
		Store:        st,
		Params:       p,
		RecordPosits: *record,
	})
	if err != nil {
		log.Fatalf("Failed to create application: %v", err)
	}
	defer a.Close()

	for _, path := range splitList(*videos) {
		a.Adopt(capture.NewFileSource(path))
	}
	selected, err := pickSources(st.Settings(), a.AvailableSources(), *devices, *videos != "")
	if err != nil {
		log.Fatalf("Failed to select sources: %v", err)
	}
	if err := a.Initialize(selected); err != nil {
		log.Fatalf("Failed to start pipeline: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		err := params.Watch(ctx, *configPath, func(p params.Parameters) {
			log.Printf("Parameters changed, reconfiguring")
			if err := a.Reconfigure(p); err != nil {
				log.Printf("Failed to reconfigure: %v", err)
			}
		})
		if err != nil {
			log.Printf("Parameters are not watched: %v", err)
		}
	}()

	webDir := findWebDir(dataDir)
	if webDir != "" {
		fmt.Printf("Serving static files from: %s\n", webDir)
	}
	srv := server.New(server.Config{
		StaticDir: webDir,
		Store:     st,
		Pipeline:  a,
	})
	go func() {
		fmt.Printf("Starting server on %s\n", *addr)
		if err := srv.ListenAndServe(*addr); err != nil {
			log.Printf("Server failed: %v", err)
			stop()
		}
	}()

	if *useTray {
		runTray(ctx, stop, a, *addr)
	} else {
		<-ctx.Done()
	}
	log.Println("Shutting down")
}

// runTray blocks in the tray event loop until ctx is done or Quit is
// chosen.
func runTray(ctx context.Context, stop context.CancelFunc, a *app.App, addr string) {
	t := tray.New()
	t.OnToggle(func(running bool) {
		var err error
		if running {
			err = a.Start()
		} else {
			err = a.Stop()
		}
		if err != nil {
			log.Printf("Failed to toggle pipeline: %v", err)
		}
	})
	t.OnCalibrate(func(calibrating bool) {
		var err error
		if calibrating {
			err = a.StartCalibration()
		} else {
			err = a.CancelCalibration()
		}
		if err != nil {
			log.Printf("Failed to toggle calibration: %v", err)
		}
	})
	t.OnSettings(func() { openBrowser(dashboardURL(addr)) })
	t.OnQuit(stop)

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				t.Quit()
				return
			case <-ticker.C:
				s := a.Status()
				t.SetStatus(s.State + ", " + s.Mode)
				t.SetCalibrating(s.Mode == controller.Calibrating.String())
			}
		}
	}()

	t.Run()
}

func splitList(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// pickSources selects the pipeline sources. Video files are used as given;
// device lists are remembered across runs.
func pickSources(settings *store.SettingsRepository, available []capture.Source, devices string, videos bool) ([]capture.Source, error) {
	if videos {
		if devices != "" {
			return nil, fmt.Errorf("-devices cannot be combined with -video")
		}
		return selectSources(available, nil)
	}
	return selectSources(available, splitList(rememberDevices(settings, devices)))
}

// rememberDevices stores an explicit device list, or returns the stored
// one when devices is empty.
func rememberDevices(settings *store.SettingsRepository, devices string) string {
	if devices != "" {
		if err := settings.Set(devicesKey, devices); err != nil {
			log.Printf("Failed to remember devices: %v", err)
		}
		return devices
	}
	stored, err := settings.Get(devicesKey)
	if err != nil {
		return ""
	}
	log.Printf("Using stored devices %s", stored)
	return stored
}

// selectSources picks the sources named by devices, in that order, or the
// first MaxArity sources when devices is empty.
func selectSources(available []capture.Source, devices []string) ([]capture.Source, error) {
	if len(available) == 0 {
		return nil, fmt.Errorf("no video sources found")
	}
	if len(devices) == 0 {
		return available[:min(len(available), frame.MaxArity)], nil
	}

	byID := make(map[string]capture.Source, len(available))
	for _, src := range available {
		byID[src.ID()] = src
	}
	var selected []capture.Source
	for _, d := range devices {
		src, ok := byID["device:"+d]
		if !ok {
			return nil, fmt.Errorf("device %s not found", d)
		}
		selected = append(selected, src)
	}
	return selected, nil
}

func dashboardURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + "/"
}

func openBrowser(url string) {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	if err := cmd.Start(); err != nil {
		log.Printf("Failed to open %s: %v", url, err)
	}
}

// findWebDir searches for the web directory in common locations.
// It checks: "web", "../web", "../../web", and <dataDir>/web.
// Returns the first existing directory or empty string if none found.
func findWebDir(dataDir string) string {
	relativePaths := []string{"web", "../web", "../../web"}
	for _, p := range relativePaths {
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			absPath, err := filepath.Abs(p)
			if err == nil {
				return absPath
			}
			return p
		}
	}

	homeWebDir := filepath.Join(dataDir, "web")
	if info, err := os.Stat(homeWebDir); err == nil && info.IsDir() {
		return homeWebDir
	}

	return ""
}
