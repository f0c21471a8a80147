package tui

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gdamore/tcell/v2"
)

// KeyEvent represents a keyboard event.
type KeyEvent struct {
	Key  tcell.Key
	Rune rune
	Mod  tcell.ModMask
}

// App is the dashboard controller. It watches every node in a FetcherPool
// and shows one of them at a time.
type App struct {
	model  *Model
	view   *View
	pool   *FetcherPool
	screen tcell.Screen

	stopChan chan struct{}
	keyChan  chan KeyEvent

	mu      sync.RWMutex
	running bool

	reconnectInterval time.Duration
	reconnectTimeout  time.Duration

	// Key debouncing for Windows
	lastKeyTime time.Time
	lastKey     tcell.Key
	lastRune    rune

	// Inference commands run in the background
	commands sync.WaitGroup
}

// NewApp creates a dashboard over pool.
func NewApp(pool *FetcherPool) *App {
	return &App{
		model:             NewModel(pool.NodeIDs()),
		view:              NewView(),
		pool:              pool,
		stopChan:          make(chan struct{}),
		keyChan:           make(chan KeyEvent, 10),
		reconnectInterval: 5 * time.Second,
		reconnectTimeout:  30 * time.Second,
	}
}

// Run initializes the terminal and runs the event loop until the user
// quits or the process is signalled.
func (a *App) Run() error {
	screen, err := tcell.NewScreen()
	if err != nil {
		return fmt.Errorf("failed to create screen: %w", err)
	}
	if err := screen.Init(); err != nil {
		return fmt.Errorf("failed to initialize screen: %w", err)
	}
	screen.DisableMouse()

	a.screen = screen
	a.screen.Clear()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	a.mu.Lock()
	a.running = true
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		a.pollEvents(ctx)
	}()
	go func() {
		defer wg.Done()
		a.refreshLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		a.reconnectLoop(ctx)
	}()

	a.refresh()
	a.render()

	shutdown := func() error {
		cancel()
		a.screen.PostEvent(tcell.NewEventInterrupt(nil))
		wg.Wait()
		a.cleanup()
		return nil
	}

	for {
		select {
		case <-a.stopChan:
			return shutdown()
		case <-sigChan:
			return shutdown()
		case event := <-a.keyChan:
			if a.handleKeyEvent(event) {
				return shutdown()
			}
			a.render()
		}
	}
}

// Stop asks Run to return.
func (a *App) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		close(a.stopChan)
		a.running = false
	}
}

func (a *App) cleanup() {
	if a.screen != nil {
		a.screen.Fini()
	}
}

func (a *App) pollEvents(ctx context.Context) {
	for {
		ev := a.screen.PollEvent()
		if ev == nil || ctx.Err() != nil {
			return
		}

		switch e := ev.(type) {
		case *tcell.EventKey:
			select {
			case a.keyChan <- KeyEvent{Key: e.Key(), Rune: e.Rune(), Mod: e.Modifiers()}:
			case <-ctx.Done():
				return
			}
		case *tcell.EventResize:
			a.screen.Sync()
			a.render()
		}
	}
}

func (a *App) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(a.model.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.refresh()
			a.render()
		}
	}
}

func (a *App) reconnectLoop(ctx context.Context) {
	ticker := time.NewTicker(a.reconnectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.mu.RLock()
			connected := a.model.Connected
			a.mu.RUnlock()

			if !connected {
				a.attemptReconnect()
				a.render()
			}
		}
	}
}

// activeFetcher returns the fetcher of the node being shown (caller must
// hold the lock).
func (a *App) activeFetcher() DataFetcher {
	return a.pool.GetFetcher(a.model.ActiveNode)
}

func (a *App) attemptReconnect() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.model.ReconnectAttempts++
	a.model.LastReconnect = time.Now()

	if a.model.ReconnectAttempts > int(a.reconnectTimeout/a.reconnectInterval) {
		a.model.ErrorMessage = fmt.Sprintf("Connection failed after %s. Check that %s is running and accessible.",
			a.reconnectTimeout, a.model.ActiveNode)
		return
	}

	f := a.activeFetcher()
	if f == nil {
		return
	}
	if err := f.Reconnect(); err != nil {
		a.model.ErrorMessage = fmt.Sprintf("Reconnection attempt %d failed: %v", a.model.ReconnectAttempts, err)
		return
	}

	a.model.Connected = true
	a.model.ReconnectAttempts = 0
	a.model.ErrorMessage = ""
	a.refreshLocked()
}

func (a *App) refresh() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refreshLocked()
}

// refreshLocked polls every node and updates the active node's panels
// (caller must hold the lock).
func (a *App) refreshLocked() {
	statuses, health := a.pool.FetchAll()
	a.model.Health = health

	h := health[a.model.ActiveNode]
	if h == nil || !h.Connected {
		a.model.Connected = false
		if h != nil && h.LastError != nil {
			a.model.ErrorMessage = fmt.Sprintf("Failed to fetch status: %v", h.LastError)
		}
		return
	}

	a.model.Status = statuses[a.model.ActiveNode]
	a.model.Connected = true
	a.model.LastUpdated = time.Now()

	if f := a.activeFetcher(); f != nil {
		if reqs, err := f.FetchRecentRequests(maxRecentRequests); err == nil {
			a.model.SetRecentRequests(reqs)
		}
	}
}

func (a *App) render() {
	if a.screen == nil {
		return
	}
	a.mu.RLock()
	output := a.view.Render(a.model)
	a.mu.RUnlock()

	a.screen.Clear()
	for row, line := range strings.Split(output, "\n") {
		style := StyleForLine(line, CurrentStyles)
		col := 0
		for _, r := range line {
			a.screen.SetContent(col, row, r, nil, style)
			col++
		}
	}
	a.screen.Show()
}

// IsRunning returns whether the application is currently running.
func (a *App) IsRunning() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.running
}

// GetModel returns the current model (for testing).
func (a *App) GetModel() *Model {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.model
}

// handleKeyEvent updates the model for one key press and reports whether
// the application should exit. Repeats of the same key within 200ms are
// dropped to absorb Windows keyboard repeat.
func (a *App) handleKeyEvent(event KeyEvent) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	if now.Sub(a.lastKeyTime) < 200*time.Millisecond &&
		a.lastKey == event.Key && a.lastRune == event.Rune {
		return false
	}
	a.lastKeyTime = now
	a.lastKey = event.Key
	a.lastRune = event.Rune

	if event.Key == tcell.KeyCtrlC {
		return true
	}

	typing := a.model.ActivePanel == PanelCommand && a.model.CommandInput != ""

	if event.Rune == 'q' && !typing {
		return true
	}

	if event.Rune >= '1' && event.Rune <= '9' && !typing {
		if a.model.SetActiveNodeByNumber(int(event.Rune - '0')) {
			a.model.Connected = true
			a.refreshLocked()
		}
		return false
	}

	if event.Key == tcell.KeyTab {
		if event.Mod&tcell.ModShift != 0 {
			a.model.PrevPanel()
		} else {
			a.model.NextPanel()
		}
		return false
	}
	if event.Key == tcell.KeyBacktab {
		a.model.PrevPanel()
		return false
	}

	if event.Rune == 'r' && !typing {
		a.refreshLocked()
		return false
	}

	if a.model.ActivePanel == PanelCommand {
		a.handleCommandInput(event)
	}
	return false
}

func (a *App) handleCommandInput(event KeyEvent) {
	switch event.Key {
	case tcell.KeyEnter:
		a.executeCommand()
	case tcell.KeyBackspace, tcell.KeyBackspace2:
		if in := []rune(a.model.CommandInput); len(in) > 0 {
			a.model.CommandInput = string(in[:len(in)-1])
		}
	case tcell.KeyEscape:
		a.model.CommandInput = ""
		a.model.ErrorMessage = ""
	case tcell.KeyRune:
		a.model.CommandInput += string(event.Rune)
	}
}

// executeCommand runs the command line (caller must hold the lock).
// Inference is submitted in the background so the dashboard keeps drawing.
func (a *App) executeCommand() {
	input := a.model.CommandInput
	if input == "" {
		return
	}
	a.model.CommandInput = ""

	cmd, err := ParseCommand(input)
	if err != nil {
		a.model.ErrorMessage = err.Error()
		a.model.CommandOutput = ""
		return
	}

	switch cmd.Type {
	case CommandHelp:
		a.model.CommandOutput = helpText
		a.model.ErrorMessage = ""

	case CommandNode:
		for i, id := range a.model.Nodes {
			if id == cmd.Arg {
				if a.model.SetActiveNodeByNumber(i + 1) {
					a.model.Connected = true
					a.refreshLocked()
				}
				a.model.CommandOutput = "Watching " + id
				a.model.ErrorMessage = ""
				return
			}
		}
		a.model.ErrorMessage = fmt.Sprintf("unknown node %q", cmd.Arg)
		a.model.CommandOutput = ""

	case CommandInfer:
		f := a.activeFetcher()
		if f == nil {
			a.model.ErrorMessage = "no node selected"
			return
		}
		a.model.CommandOutput = "Running..."
		a.model.ErrorMessage = ""
		a.commands.Add(1)
		go func() {
			defer a.commands.Done()
			res, err := f.ExecuteInfer(cmd.Arg)

			a.mu.Lock()
			if err != nil {
				a.model.ErrorMessage = err.Error()
				a.model.CommandOutput = ""
			} else {
				a.model.CommandOutput = fmt.Sprintf("%s (%dms, %d hops)", res.Output, res.LatencyMs, len(res.Hops))
				a.model.ErrorMessage = ""
			}
			a.mu.Unlock()
			a.render()
		}()
	}
}
