package notebook

// Result is one execution output event. Closed sum: the variants below are
// the only implementations, enforced by the unexported marker method.
type Result interface {
	isResult()
}

// Output is textual or mime-typed output written during execution.
type Output struct {
	ContentType string `json:"content_type"`
	Text        string `json:"text"`
}

// Value is a named value computed by an execution. Large or live values
// are not transmitted wholesale: StreamHandle / LiveHandle reference
// paginated and live-updating representations in the handle registry.
// A zero handle id means the representation is absent.
type Value struct {
	Name         string `json:"name"`
	TypeName     string `json:"type_name"`
	MIME         string `json:"mime,omitempty"`
	Data         string `json:"data,omitempty"`
	StreamHandle int32  `json:"stream_handle,omitempty"`
	LiveHandle   int32  `json:"live_handle,omitempty"`
}

// Timing reports execution timing. The most recent Timing result wins when
// folding into cell metadata.
type Timing struct {
	StartMillis int64 `json:"start_millis"`
	EndMillis   int64 `json:"end_millis,omitempty"`
}

// ErrorResult captures an execution failure. Terminal for that execution
// only; other cells and sessions are unaffected.
type ErrorResult struct {
	Message string   `json:"message"`
	Trace   []string `json:"trace,omitempty"`
}

// StreamEnd is the end-of-stream sentinel emitted to every consumer when
// an execution's result stream completes, successfully or not.
type StreamEnd struct{}

func (Output) isResult()      {}
func (Value) isResult()       {}
func (Timing) isResult()      {}
func (ErrorResult) isResult() {}
func (StreamEnd) isResult()   {}
