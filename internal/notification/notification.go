// Package notification provides cross-platform desktop notifications and the
// analytics sink that raises them when a node becomes ready.
// It uses the beeep library to send notifications on macOS, Linux, and Windows.
package notification

import (
	"sort"
	"strings"
	"sync"

	"github.com/gen2brain/beeep"

	"github.com/zhubert/canopy/internal/logger"
)

// Title is used for every notification canopy sends.
const Title = "canopy"

// Analytics event names.
const (
	EventNodeInitialized = "node_initialized"
	EventNodeFailed      = "node_init_failed"
)

var (
	notifierMu sync.RWMutex
	notifier   = beeep.Notify
)

// SetNotifier replaces the function used to raise notifications. Tests use it
// to avoid sending real notifications.
func SetNotifier(fn func(title, message string, icon any) error) {
	notifierMu.Lock()
	defer notifierMu.Unlock()
	notifier = fn
}

// ResetNotifier restores beeep as the notifier.
func ResetNotifier() {
	SetNotifier(beeep.Notify)
}

// Send sends a desktop notification with the given title and message.
// On macOS, it uses terminal-notifier or AppleScript.
// On Linux, it uses D-Bus or notify-send.
// On Windows, it uses the Windows Runtime COM API.
func Send(title, message string) error {
	log := logger.WithComponent("notification")
	log.Debug("sending notification", "title", title, "message", message)

	notifierMu.RLock()
	fn := notifier
	notifierMu.RUnlock()

	// Empty icon lets beeep pick the platform default
	err := fn(title, message, "")
	if err != nil {
		log.Warn("failed to send notification", "error", err)
	}
	return err
}

// NodeReady sends a notification that a node's worktree is ready.
func NodeReady(nodeName string) error {
	return Send(Title, nodeName+" is ready")
}

// Sink records analytics events to the log and, when enabled, raises a
// desktop notification for nodes that finished initializing. Record never
// blocks the caller.
type Sink struct {
	notify bool
	wg     sync.WaitGroup
}

// NewSink creates a Sink. notify controls desktop notifications.
func NewSink(notify bool) *Sink {
	return &Sink{notify: notify}
}

// Record logs the event and dispatches any notification in the background.
func (s *Sink) Record(event string, props map[string]string) {
	attrs := make([]any, 0, 2+2*len(props))
	attrs = append(attrs, "event", event)
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, k, props[k])
	}
	logger.WithComponent("analytics").Info("event recorded", attrs...)

	if !s.notify || event != EventNodeInitialized {
		return
	}
	name := props["node_name"]
	if strings.TrimSpace(name) == "" {
		name = props["node_id"]
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = NodeReady(name)
	}()
}

// Flush waits for in-flight notifications.
func (s *Sink) Flush() {
	s.wg.Wait()
}
