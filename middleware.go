package chainrabbit

import "sync"

// runPipeline drives mws in declaration order against msg, invoking
// final once every layer has settled without short-circuiting. The
// runtime, not the middleware, is responsible for advancing to the next
// layer when a middleware returns without calling next and without
// handling the message.
func runPipeline(mws []Middleware, msg *Message, final func() error) error {
	return runLayer(mws, 0, msg, final)
}

func runLayer(mws []Middleware, idx int, msg *Message, final func() error) error {
	if idx == len(mws) {
		return final()
	}

	mw := mws[idx]

	var (
		mu       sync.Mutex
		called   bool
		downErr  error
	)

	next := func() {
		mu.Lock()
		if called {
			mu.Unlock()
			return
		}
		called = true
		mu.Unlock()

		// A middleware that handled the message before calling next
		// short-circuits downstream processing instead of advancing.
		if msg.IsHandled() {
			return
		}
		downErr = runLayer(mws, idx+1, msg, final)
	}

	if err := mw(msg, next); err != nil {
		return err
	}

	mu.Lock()
	already := called
	mu.Unlock()

	if !already && !msg.IsHandled() {
		next()
	}

	return downErr
}
