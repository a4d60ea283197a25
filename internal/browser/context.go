// internal/browser/context.go
package browser

import (
	"context"
)

// CombineContext derives a context from ctx1 that is also cancelled when ctx2
// is. Values come from ctx1 only, which is where chromedp keeps the target.
func CombineContext(ctx1, ctx2 context.Context) (context.Context, context.CancelFunc) {
	combinedCtx, cancel := context.WithCancel(ctx1)
	stop := context.AfterFunc(ctx2, cancel)
	return combinedCtx, func() {
		stop()
		cancel()
	}
}
