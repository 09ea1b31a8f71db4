package service

import (
	"sync"

	"judgedispatch/internal/dispatcher/model"
)

const defaultWatchBuffer = 16

// WatchHub fans submission updates out to subscribers of that submission.
type WatchHub struct {
	mu     sync.Mutex
	subs   map[int64]map[chan model.SubmissionUpdate]struct{}
	buffer int
}

// NewWatchHub creates a hub whose subscriber channels hold buffer updates.
func NewWatchHub(buffer int) *WatchHub {
	if buffer <= 0 {
		buffer = defaultWatchBuffer
	}
	return &WatchHub{
		subs:   make(map[int64]map[chan model.SubmissionUpdate]struct{}),
		buffer: buffer,
	}
}

// Subscribe returns a channel of updates for submissionID and a function that ends the
// subscription and closes the channel.
func (h *WatchHub) Subscribe(submissionID int64) (<-chan model.SubmissionUpdate, func()) {
	ch := make(chan model.SubmissionUpdate, h.buffer)
	h.mu.Lock()
	set, ok := h.subs[submissionID]
	if !ok {
		set = make(map[chan model.SubmissionUpdate]struct{})
		h.subs[submissionID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if set, ok := h.subs[submissionID]; ok {
				delete(set, ch)
				if len(set) == 0 {
					delete(h.subs, submissionID)
				}
			}
			close(ch)
		})
	}
}

// Publish delivers update without blocking. A slow subscriber loses its oldest update, so the
// latest one always gets through.
func (h *WatchHub) Publish(update model.SubmissionUpdate) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[update.SubmissionID] {
		for {
			select {
			case ch <- update:
			default:
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// Watchers returns the number of subscribers of submissionID.
func (h *WatchHub) Watchers(submissionID int64) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[submissionID])
}
