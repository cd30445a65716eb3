package audioloop

// WithBeforeStartSignal runs fn between the first tone write and the start
// signal to the capture thread.
func WithBeforeStartSignal(fn func()) RunnerOption {
	return func(o *runnerOptions) { o.beforeStartSignal = fn }
}

// Handler exposes the callback adapter for direct calls.
func Handler(s *Session, fatal func(error)) (playback, capture StreamCallback) {
	h := &callbackHandler{s: s, fatal: fatal}
	return h.OnPlaybackBuffer, h.OnCaptureBuffer
}
