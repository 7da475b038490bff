package workers

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/camden-git/datasetcurator/media"
)

// MessageType tags a run message.
type MessageType string

const (
	MessageProgress MessageType = "progress"
	MessageItem     MessageType = "item"
	MessageStatus   MessageType = "status"
	MessageSummary  MessageType = "summary"
)

// Message is one progress/status notification of a background run.
type Message struct {
	Type      MessageType   `json:"type"`
	RunID     string        `json:"run_id"`
	Directory string        `json:"directory"`
	Percent   int           `json:"percent,omitempty"`
	Index     int           `json:"index,omitempty"`
	Total     int           `json:"total,omitempty"`
	Filename  string        `json:"filename,omitempty"`
	State     State         `json:"state,omitempty"`
	Text      string        `json:"text,omitempty"`
	Summary   *BatchSummary `json:"summary,omitempty"`
	Timestamp int64         `json:"timestamp"`
}

// RunStatus is a point-in-time view of a background run.
type RunStatus struct {
	ID        string       `json:"id"`
	Directory string       `json:"directory"`
	State     State        `json:"state"`
	Percent   int          `json:"percent"`
	Summary   BatchSummary `json:"summary"`
	Error     string       `json:"error,omitempty"`
	StartedAt int64        `json:"started_at"`
}

// BatchRun is a batch executing on its own goroutine. Progress and status
// messages are dropped rather than blocking the run when the channel is full;
// the last slot is held back so the summary message is always delivered.
type BatchRun struct {
	ID        string
	Directory string

	messages chan Message
	canceled atomic.Bool
	done     chan struct{}

	mu        sync.Mutex
	state     State
	percent   int
	summary   BatchSummary
	err       error
	startedAt time.Time
}

// Messages is closed after the summary message.
func (r *BatchRun) Messages() <-chan Message {
	return r.messages
}

// Cancel asks the run to stop before its next item.
func (r *BatchRun) Cancel() {
	r.canceled.Store(true)
}

// Done is closed when the run has finished.
func (r *BatchRun) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run finishes.
func (r *BatchRun) Wait() (BatchSummary, error) {
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.summary, r.err
}

func (r *BatchRun) Status() RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := RunStatus{
		ID:        r.ID,
		Directory: r.Directory,
		State:     r.state,
		Percent:   r.percent,
		Summary:   r.summary,
		StartedAt: r.startedAt.Unix(),
	}
	if r.err != nil {
		st.Error = r.err.Error()
	}
	return st
}

// send is only called from the run goroutine, so the length check cannot race
// with another sender.
func (r *BatchRun) send(msg Message) {
	msg.RunID = r.ID
	msg.Directory = r.Directory
	msg.Timestamp = time.Now().Unix()
	if msg.Type == MessageSummary {
		r.messages <- msg
		return
	}
	if len(r.messages) >= cap(r.messages)-1 {
		return
	}
	select {
	case r.messages <- msg:
	default:
	}
}

func (r *BatchRun) callbacks() Callbacks {
	return Callbacks{
		Progress: func(percent int) {
			r.mu.Lock()
			r.percent = percent
			r.mu.Unlock()
			r.send(Message{Type: MessageProgress, Percent: percent})
		},
		ItemProgress: func(index, total int, filename string) {
			r.send(Message{Type: MessageItem, Index: index, Total: total, Filename: filename})
		},
		Status: func(state State, text string) {
			// item-level states are forwarded but do not change the run state
			if state == StateScanning || state.Terminal() {
				r.mu.Lock()
				r.state = state
				r.mu.Unlock()
			}
			r.send(Message{Type: MessageStatus, State: state, Text: text})
		},
		IsCanceled: r.canceled.Load,
	}
}

// Start launches a batch over dir on a new goroutine. Only one run per
// directory may be active; a second Start returns ErrBatchRunning. ctx
// cancellation also stops the run at the next item boundary.
func (bp *BatchProcessor) Start(ctx context.Context, dir string, scanner media.Scanner) (*BatchRun, error) {
	run := &BatchRun{
		ID:        uuid.NewString(),
		Directory: dir,
		messages:  make(chan Message, bp.opts.MessageBuffer+1), // +1 reserved for the summary
		done:      make(chan struct{}),
		state:     StateIdle,
		startedAt: time.Now(),
	}
	key, err := bp.acquire(dir, run)
	if err != nil {
		return nil, err
	}
	bp.runs.DeleteExpired()
	bp.runs.Set(run.ID, run, cache.NoExpiration)

	go func() {
		defer close(run.done)
		defer close(run.messages)
		defer bp.release(key)

		summary, err := bp.Run(ctx, dir, scanner, run.callbacks())

		run.mu.Lock()
		run.summary, run.err, run.state = summary, err, summary.State
		run.mu.Unlock()
		run.send(Message{Type: MessageSummary, State: summary.State, Summary: &summary})
		bp.runs.Set(run.ID, run, bp.opts.RunRetention)
	}()
	return run, nil
}
