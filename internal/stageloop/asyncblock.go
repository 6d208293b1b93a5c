package stageloop

// AsyncBlock runs pre off the Stage's loop (so it can do blocking I/O
// without occupying the Stage), then posts post — given pre's result —
// back onto loop so it observes consistent Stage state (spec.md §4.6
// message kind "Async", §4.8 StageSender.AsyncBlock).
func AsyncBlock[T any](loop *Loop, pre func() T, post func(T)) {
	go func() {
		result := pre()
		loop.Post(func() { post(result) })
	}()
}

// AsyncBlockErr is the two-return-value variant for pre functions that can
// fail; post always runs on the loop and receives both values.
func AsyncBlockErr[T any](loop *Loop, pre func() (T, error), post func(T, error)) {
	go func() {
		result, err := pre()
		loop.Post(func() { post(result, err) })
	}()
}
