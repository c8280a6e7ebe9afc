package chrome

import (
	"context"
	"fmt"
	"time"
)

// keyCodeMap maps special key names to their key codes.
var keyCodeMap = map[string]int{
	"Enter":      13,
	"Tab":        9,
	"Escape":     27,
	"Backspace":  8,
	"Delete":     46,
	"ArrowUp":    38,
	"ArrowDown":  40,
	"ArrowLeft":  37,
	"ArrowRight": 39,
	"Home":       36,
	"End":        35,
	"PageUp":     33,
	"PageDown":   34,
	"Space":      32,
}

// moveStep is the interval between interpolated mouse moves.
const moveStep = 16 * time.Millisecond

func (t *Tab) mouseEvent(ctx context.Context, typ string, x, y float64, button string, clickCount int) error {
	params := map[string]interface{}{
		"type": typ,
		"x":    x,
		"y":    y,
	}
	if button != "" {
		params["button"] = button
		params["clickCount"] = clickCount
	}
	if _, err := t.Send(ctx, "Input.dispatchMouseEvent", params); err != nil {
		return fmt.Errorf("dispatching %s: %w", typ, err)
	}
	return nil
}

// MouseClick moves to (x, y) and presses the left button count times.
func (t *Tab) MouseClick(ctx context.Context, x, y float64, count int) error {
	if count < 1 {
		count = 1
	}
	if err := t.mouseEvent(ctx, "mouseMoved", x, y, "", 0); err != nil {
		return err
	}
	for i := 1; i <= count; i++ {
		if err := t.mouseEvent(ctx, "mousePressed", x, y, "left", i); err != nil {
			return err
		}
		if err := t.mouseEvent(ctx, "mouseReleased", x, y, "left", i); err != nil {
			return err
		}
	}
	return nil
}

// MouseWalker drags the pointer along a chain of relative moves. The left
// button stays down until Release.
type MouseWalker struct {
	tab  *Tab
	x, y float64
}

// MouseDragRelChain presses the left button at (x, y) and returns a walker
// positioned there.
func (t *Tab) MouseDragRelChain(ctx context.Context, x, y float64) (*MouseWalker, error) {
	if err := t.mouseEvent(ctx, "mouseMoved", x, y, "", 0); err != nil {
		return nil, err
	}
	if err := t.mouseEvent(ctx, "mousePressed", x, y, "left", 1); err != nil {
		return nil, err
	}
	return &MouseWalker{tab: t, x: x, y: y}, nil
}

// Position is the walker's current pointer position.
func (w *MouseWalker) Position() (x, y float64) { return w.x, w.y }

// Move travels by (dx, dy) over dur, emitting linearly interpolated
// mouseMoved events.
func (w *MouseWalker) Move(ctx context.Context, dx, dy float64, dur time.Duration) error {
	steps := int(dur / moveStep)
	if steps < 1 {
		steps = 1
	}
	pause := dur / time.Duration(steps)
	startX, startY := w.x, w.y
	for i := 1; i <= steps; i++ {
		frac := float64(i) / float64(steps)
		x, y := startX+dx*frac, startY+dy*frac
		if err := w.tab.mouseEvent(ctx, "mouseMoved", x, y, "left", 0); err != nil {
			return err
		}
		w.x, w.y = x, y
		if i < steps && pause > 0 {
			select {
			case <-time.After(pause):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

// Release lifts the left button at the current position.
func (w *MouseWalker) Release(ctx context.Context) error {
	return w.tab.mouseEvent(ctx, "mouseReleased", w.x, w.y, "left", 1)
}

// KeyboardSend types text one character at a time.
func (t *Tab) KeyboardSend(ctx context.Context, text string) error {
	for _, r := range text {
		if err := t.typeChar(ctx, string(r)); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tab) typeChar(ctx context.Context, char string) error {
	if _, err := t.Send(ctx, "Input.dispatchKeyEvent", map[string]interface{}{
		"type": "keyDown",
		"text": char,
		"key":  char,
	}); err != nil {
		return fmt.Errorf("keyDown for %q: %w", char, err)
	}
	if _, err := t.Send(ctx, "Input.dispatchKeyEvent", map[string]interface{}{
		"type": "keyUp",
		"key":  char,
	}); err != nil {
		return fmt.Errorf("keyUp for %q: %w", char, err)
	}
	return nil
}

// PressKey presses a named key such as "Enter" or "ArrowDown".
func (t *Tab) PressKey(ctx context.Context, key string, mods KeyModifiers) error {
	keyCode, hasKeyCode := keyCodeMap[key]
	params := map[string]interface{}{
		"type":      "keyDown",
		"key":       key,
		"modifiers": mods.modifierBitmask(),
	}
	if hasKeyCode {
		params["windowsVirtualKeyCode"] = keyCode
		params["nativeVirtualKeyCode"] = keyCode
	}
	if key == "Enter" {
		params["text"] = "\r"
	}
	if _, err := t.Send(ctx, "Input.dispatchKeyEvent", params); err != nil {
		return fmt.Errorf("keyDown for %q: %w", key, err)
	}

	up := map[string]interface{}{"type": "keyUp", "key": key, "modifiers": params["modifiers"]}
	if hasKeyCode {
		up["windowsVirtualKeyCode"] = keyCode
		up["nativeVirtualKeyCode"] = keyCode
	}
	if _, err := t.Send(ctx, "Input.dispatchKeyEvent", up); err != nil {
		return fmt.Errorf("keyUp for %q: %w", key, err)
	}
	return nil
}
