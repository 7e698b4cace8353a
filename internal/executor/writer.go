package executor

import (
	"github.com/nixmox/nixmox/internal/state"
)

// stateWriter serializes all state-store writes through one goroutine, so
// concurrent work items within a layer never race on the document. Combined
// with the store's atomic replace, readers always see a complete file.
type stateWriter struct {
	requests chan writeRequest
	done     chan struct{}
}

type writeRequest struct {
	service     string
	kind        state.Kind
	fingerprint string
	health      string // non-empty for health marks
	reply       chan error
}

func startWriter(st *state.Store) *stateWriter {
	w := &stateWriter{
		requests: make(chan writeRequest),
		done:     make(chan struct{}),
	}
	go func() {
		defer close(w.done)
		for req := range w.requests {
			var err error
			if req.health != "" {
				err = st.MarkHealth(req.service, req.health)
			} else {
				err = st.Record(req.service, req.kind, req.fingerprint)
			}
			req.reply <- err
		}
	}()
	return w
}

// record persists a successful application and waits for the write to land.
func (w *stateWriter) record(service string, kind state.Kind, fingerprint string) error {
	reply := make(chan error, 1)
	w.requests <- writeRequest{service: service, kind: kind, fingerprint: fingerprint, reply: reply}
	return <-reply
}

// markHealth stores the last observed health. Failures here are not worth
// failing the work item over; the next run overwrites the mark anyway.
func (w *stateWriter) markHealth(service, status string) {
	reply := make(chan error, 1)
	w.requests <- writeRequest{service: service, health: status, reply: reply}
	<-reply
}

func (w *stateWriter) stop() {
	close(w.requests)
	<-w.done
}
