package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"

	"uiscout/internal/config"
	"uiscout/internal/logging"
	"uiscout/internal/types"
)

// captureScript flattens the DOM into the element list the core consumes.
// Depth-first traversal keeps parent-before-children order.
const captureScript = `
() => {
	const out = [];
	const interactiveTags = new Set(['A', 'BUTTON', 'INPUT', 'SELECT', 'TEXTAREA']);
	const walk = (node) => {
		if (!node || node.nodeType !== 1) return;
		const rect = node.getBoundingClientRect();
		if (rect.width > 0 && rect.height > 0) {
			const style = window.getComputedStyle(node);
			const scrollable = (style.overflowY === 'auto' || style.overflowY === 'scroll') &&
				node.scrollHeight > node.clientHeight;
			const interactive = interactiveTags.has(node.tagName) ||
				node.hasAttribute('onclick') || node.getAttribute('role') === 'button';
			if (interactive || scrollable || node.id) {
				out.push({
					identifier: node.id ? (location.host + ':id/' + node.id) : '',
					text: (node.innerText || '').trim().slice(0, 120),
					class: node.tagName.toLowerCase() +
						(node.className && typeof node.className === 'string' ? '.' + node.className.split(/\s+/)[0] : ''),
					bounds: {
						x: Math.round(rect.x), y: Math.round(rect.y),
						width: Math.round(rect.width), height: Math.round(rect.height)
					},
					interactive: interactive,
					scrollable: scrollable
				});
			}
		}
		for (const child of node.children) walk(child);
	};
	walk(document.body);
	return JSON.stringify(out);
}`

// Device drives a Chromium page through rod and implements both Provider
// and Executor. One device owns one page; the exploration core never talks
// to rod directly.
type Device struct {
	cfg config.SnapshotConfig

	mu         sync.Mutex
	browser    *rod.Browser
	page       *rod.Page
	sessionID  string
	controlURL string
	startURL   string
}

// NewDevice builds an unconnected device; Start attaches or launches.
func NewDevice(cfg config.SnapshotConfig) *Device {
	return &Device{cfg: cfg, sessionID: uuid.NewString()}
}

// SessionID returns the page session identifier.
func (d *Device) SessionID() string { return d.sessionID }

// Start connects to the browser and opens the target URL. When the config
// carries a control URL an existing browser is attached; otherwise a
// Chromium instance is launched.
func (d *Device) Start(ctx context.Context, url string) error {
	timer := logging.StartTimer(logging.CategorySnapshot, "Start")
	defer timer.Stop()

	d.mu.Lock()
	defer d.mu.Unlock()

	controlURL := d.cfg.ControlURL
	if controlURL == "" {
		launched, err := launcher.New().Headless(d.cfg.Headless).Launch()
		if err != nil {
			return fmt.Errorf("failed to launch browser: %w", err)
		}
		controlURL = launched
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("failed to connect to browser: %w", err)
	}

	page, err := browser.Page(proto.TargetCreateTarget{URL: url})
	if err != nil {
		browser.Close()
		return fmt.Errorf("failed to open page: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		logging.SnapshotDebug("Page load wait failed for %s: %v", url, err)
	}

	d.browser = browser
	d.page = page
	d.controlURL = controlURL
	d.startURL = url

	logging.Snapshot("Device %s connected (url=%s)", d.sessionID, url)
	return nil
}

// Snapshot implements Provider by evaluating the capture script in the page.
func (d *Device) Snapshot(ctx context.Context) (Observation, error) {
	timer := logging.StartTimer(logging.CategorySnapshot, "Snapshot")
	defer timer.Stop()

	d.mu.Lock()
	page := d.page
	d.mu.Unlock()
	if page == nil {
		return Observation{}, fmt.Errorf("device not started")
	}

	res, err := page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:      captureScript,
		ByValue: true,
	})
	if err != nil {
		return Observation{}, fmt.Errorf("failed to capture elements: %w", err)
	}

	var elements []types.Element
	if err := json.Unmarshal([]byte(res.Value.Str()), &elements); err != nil {
		return Observation{}, fmt.Errorf("failed to decode capture: %w", err)
	}

	info, err := page.Context(ctx).Info()
	if err != nil {
		return Observation{}, fmt.Errorf("failed to read page info: %w", err)
	}

	logging.SnapshotDebug("Captured %d elements at %s", len(elements), info.URL)
	return Observation{
		Activity: info.URL,
		Title:    info.Title,
		Elements: elements,
	}, nil
}

// Perform implements Executor. Failures are reported, never fatal; the core
// treats a false return as a failed transition.
func (d *Device) Perform(ctx context.Context, action types.UIAction) bool {
	timer := logging.StartTimer(logging.CategorySnapshot, "Perform")
	defer timer.Stop()

	d.mu.Lock()
	page := d.page
	startURL := d.startURL
	d.mu.Unlock()
	if page == nil {
		return false
	}
	page = page.Context(ctx)

	var err error
	switch action.Kind {
	case types.ActionTap:
		if err = page.Mouse.MoveTo(proto.Point{X: float64(action.X), Y: float64(action.Y)}); err == nil {
			err = page.Mouse.Click(proto.InputMouseButtonLeft, 1)
		}
	case types.ActionSwipe, types.ActionScroll:
		err = page.Mouse.Scroll(float64(action.ToX-action.X), float64(action.ToY-action.Y), 5)
	case types.ActionBack:
		err = page.NavigateBack()
	case types.ActionHome:
		err = page.Navigate(startURL)
	default:
		logging.Get(logging.CategorySnapshot).Warn("Unknown action kind: %s", action.Kind)
		return false
	}
	if err != nil {
		logging.SnapshotDebug("Action %s failed: %v", action.Kind, err)
		return false
	}

	// Let the page settle before the next capture.
	select {
	case <-ctx.Done():
		return false
	case <-time.After(200 * time.Millisecond):
	}
	return true
}

// Close tears down the page and, when this device launched the browser,
// the browser itself.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.page != nil {
		if err := d.page.Close(); err != nil {
			logging.SnapshotDebug("Page close failed: %v", err)
		}
		d.page = nil
	}
	if d.browser != nil && d.cfg.ControlURL == "" {
		if err := d.browser.Close(); err != nil {
			return fmt.Errorf("failed to close browser: %w", err)
		}
	}
	d.browser = nil
	logging.Snapshot("Device %s closed", d.sessionID)
	return nil
}
