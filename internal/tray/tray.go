// Package tray provides a system tray control surface for the tracker.
package tray

import (
	"sync"

	"github.com/getlantern/systray"
)

// Tray represents the system tray application.
type Tray struct {
	onToggle    func(running bool)
	onCalibrate func(calibrating bool)
	onSettings  func()
	onQuit      func()
	running     bool
	calibrating bool
	mu          sync.RWMutex

	// Menu items stored for later updates
	menuToggle    *systray.MenuItem
	menuCalibrate *systray.MenuItem
	menuStatus    *systray.MenuItem
}

// New creates a new Tray instance with the pipeline shown as running.
func New() *Tray {
	return &Tray{
		running: true,
	}
}

// OnToggle sets the callback called when the pipeline is started or stopped.
func (t *Tray) OnToggle(fn func(running bool)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onToggle = fn
}

// OnCalibrate sets the callback called when calibration mode is entered or
// cancelled.
func (t *Tray) OnCalibrate(fn func(calibrating bool)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onCalibrate = fn
}

// OnSettings sets the callback function to be called when the settings menu item is clicked.
func (t *Tray) OnSettings(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onSettings = fn
}

// OnQuit sets the callback function to be called when the quit menu item is clicked.
func (t *Tray) OnQuit(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onQuit = fn
}

// Run starts the system tray application.
// This function blocks until systray.Quit() is called.
func (t *Tray) Run() {
	systray.Run(t.onReady, t.onExit)
}

// Quit closes the tray, making Run return.
func (t *Tray) Quit() {
	systray.Quit()
}

// onReady is called when the system tray is ready.
// It sets up the menu structure.
func (t *Tray) onReady() {
	systray.SetTitle("Dove Eye")
	systray.SetTooltip("Dove Eye optical tracker")

	t.mu.Lock()
	t.menuToggle = systray.AddMenuItem(toggleTitle(t.running), "Start or stop tracking")
	t.menuCalibrate = systray.AddMenuItem(calibrateTitle(t.calibrating), "Calibrate the cameras")
	systray.AddSeparator()

	t.menuStatus = systray.AddMenuItem("Status: idle", "Pipeline status")
	t.menuStatus.Disable()
	t.mu.Unlock()
	systray.AddSeparator()

	menuSettings := systray.AddMenuItem("Open Dashboard...", "Open the dashboard in a browser")
	systray.AddSeparator()

	menuQuit := systray.AddMenuItem("Quit", "Quit Dove Eye")

	// Handle menu item clicks in a separate goroutine
	go func() {
		for {
			select {
			case <-t.menuToggle.ClickedCh:
				t.handleToggle()
			case <-t.menuCalibrate.ClickedCh:
				t.handleCalibrate()
			case <-menuSettings.ClickedCh:
				t.handleSettings()
			case <-menuQuit.ClickedCh:
				t.handleQuit()
				return
			}
		}
	}()
}

func (t *Tray) onExit() {}

func toggleTitle(running bool) string {
	if running {
		return "● Running"
	}
	return "○ Stopped"
}

func calibrateTitle(calibrating bool) string {
	if calibrating {
		return "Cancel Calibration"
	}
	return "Calibrate"
}

// handleToggle handles the toggle menu item click.
func (t *Tray) handleToggle() {
	t.mu.Lock()
	t.running = !t.running
	running := t.running
	if t.menuToggle != nil {
		t.menuToggle.SetTitle(toggleTitle(running))
	}
	callback := t.onToggle
	t.mu.Unlock()

	// Call the callback outside the lock to prevent deadlocks
	if callback != nil {
		callback(running)
	}
}

// handleCalibrate handles the calibrate menu item click.
func (t *Tray) handleCalibrate() {
	t.mu.Lock()
	t.calibrating = !t.calibrating
	calibrating := t.calibrating
	if t.menuCalibrate != nil {
		t.menuCalibrate.SetTitle(calibrateTitle(calibrating))
	}
	callback := t.onCalibrate
	t.mu.Unlock()

	if callback != nil {
		callback(calibrating)
	}
}

// handleSettings handles the settings menu item click.
func (t *Tray) handleSettings() {
	t.mu.RLock()
	callback := t.onSettings
	t.mu.RUnlock()

	if callback != nil {
		callback()
	}
}

// handleQuit handles the quit menu item click.
func (t *Tray) handleQuit() {
	t.mu.RLock()
	callback := t.onQuit
	t.mu.RUnlock()

	if callback != nil {
		callback()
	}

	systray.Quit()
}

// SetStatus updates the status line of the menu.
func (t *Tray) SetStatus(text string) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.menuStatus != nil {
		t.menuStatus.SetTitle("Status: " + text)
	}
}

// SetCalibrating reflects a calibration that ended outside the menu.
func (t *Tray) SetCalibrating(calibrating bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calibrating = calibrating
	if t.menuCalibrate != nil {
		t.menuCalibrate.SetTitle(calibrateTitle(calibrating))
	}
}

// IsRunning returns the state shown by the toggle.
func (t *Tray) IsRunning() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.running
}

// IsCalibrating returns the state shown by the calibrate item.
func (t *Tray) IsCalibrating() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.calibrating
}
