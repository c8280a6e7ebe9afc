package chrome

import (
	"context"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
)

// CaptureConsole streams console API calls from the page. The channel is
// closed when stop is called or the session ends; stop must be called to
// release the subscription.
func (t *Tab) CaptureConsole(ctx context.Context) (<-chan ConsoleMessage, func(), error) {
	if err := t.enable(ctx, "Runtime"); err != nil {
		return nil, nil, err
	}
	events, unsubscribe := t.session.Subscribe("Runtime.consoleAPICalled")

	output := make(chan ConsoleMessage, 100)
	done := make(chan struct{})
	var stopOnce sync.Once
	stop := func() {
		stopOnce.Do(func() {
			close(done)
			unsubscribe()
		})
	}

	go func() {
		defer close(output)
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				msg := ConsoleMessage{Type: ev.Get("type").String(), Text: consoleText(ev.Get("args"))}
				select {
				case output <- msg:
				default:
					// Drop if channel is full
				}
			case <-done:
				return
			}
		}
	}()

	return output, stop, nil
}

func consoleText(args gjson.Result) string {
	var parts []string
	args.ForEach(func(_, arg gjson.Result) bool {
		switch v := arg.Get("value"); {
		case v.Exists():
			parts = append(parts, v.String())
		case arg.Get("description").Exists():
			parts = append(parts, arg.Get("description").String())
		}
		return true
	})
	return strings.Join(parts, " ")
}
