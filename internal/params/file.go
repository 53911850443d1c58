package params

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// DefaultFileYAML is written by WriteDefault for new installations.
const DefaultFileYAML = `# dove-eye tracking parameters
# Any key may be omitted; omitted keys keep their defaults.

# chessboard geometry (inner corners, cell size in mm)
calibration_rows: 6
calibration_cols: 9
calibration_size: 25
calibration_min_views: 5
calibration_min_shift: 15

# tracking
tracker_algorithm: 0   # 0 template, 1 histogram, 2 circle
mark_type: 0           # 0 circle, 1 rectangle
match_threshold: 0.8
search_margin: 20
template_radius: 15
epiline_margin: 8
auto_seed: 0
tracked_targets: 1

# capture
source_timeout: 200    # ms
`

// Parse decodes a YAML document on top of the defaults.
func Parse(data []byte) (Parameters, error) {
	raw := map[string]float64{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Parameters{}, fmt.Errorf("parse parameters: %w", err)
	}

	p := Default()
	for name, v := range raw {
		k, ok := ParseKey(name)
		if !ok {
			return Parameters{}, fmt.Errorf("unknown parameter %q", name)
		}
		p = p.With(k, v)
	}

	if err := p.Validate(); err != nil {
		return Parameters{}, fmt.Errorf("invalid parameters: %w", err)
	}
	return p, nil
}

// Load reads a YAML parameters file.
func Load(path string) (Parameters, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Parameters{}, fmt.Errorf("read parameters: %w", err)
	}
	return Parse(data)
}

// Marshal encodes p as YAML.
func Marshal(p Parameters) ([]byte, error) {
	return yaml.Marshal(p.Map())
}

// WriteDefault writes DefaultFileYAML to path unless the file already exists.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(DefaultFileYAML), 0644)
}

// Watch calls fn with a freshly loaded snapshot whenever the file at path is
// written or re-created. A file that fails to load is logged and skipped.
// Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, fn func(Parameters)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory; editors replace files instead of writing in place.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}
	target := filepath.Clean(path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			p, err := Load(path)
			if err != nil {
				log.Printf("Ignoring parameters change: %v", err)
				continue
			}
			fn(p)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("Parameters watcher error: %v", err)
		}
	}
}
