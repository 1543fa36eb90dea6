package audio

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loqalabs/loqa-relay/internal/tts"
)

// Priority orders playback. Higher tiers drain first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

const numPriorities = int(PriorityUrgent) + 1

var ErrDuplicateItem = errors.New("audio item already queued")

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority accepts the names printed by String. Empty means normal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	case "high":
		return PriorityHigh, nil
	case "urgent":
		return PriorityUrgent, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", s)
	}
}

// Item is one synthesized utterance waiting for, or undergoing, playback.
type Item struct {
	ID        string
	Audio     tts.Audio
	Text      string
	Priority  Priority
	ChunkID   string
	Timestamp time.Time
}

// Summary is the payload-free view of an item published to listeners.
type Summary struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Priority  string    `json:"priority"`
	ChunkID   string    `json:"chunk_id,omitempty"`
	Provider  string    `json:"provider,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (it *Item) summary() Summary {
	return Summary{
		ID:        it.ID,
		Text:      it.Text,
		Priority:  it.Priority.String(),
		ChunkID:   it.ChunkID,
		Provider:  it.Audio.Provider,
		Timestamp: it.Timestamp,
	}
}

// queue holds one FIFO per priority tier. It is not safe for concurrent
// use; the orchestrator guards it.
type queue struct {
	tiers [numPriorities][]*Item
	ids   map[string]struct{}
}

func newQueue() *queue {
	return &queue{ids: make(map[string]struct{})}
}

func (q *queue) push(it *Item) error {
	if _, dup := q.ids[it.ID]; dup {
		return ErrDuplicateItem
	}
	p := it.Priority
	if p < PriorityLow {
		p = PriorityLow
	}
	if p > PriorityUrgent {
		p = PriorityUrgent
	}
	it.Priority = p
	q.tiers[p] = append(q.tiers[p], it)
	q.ids[it.ID] = struct{}{}
	return nil
}

func (q *queue) pop() (*Item, bool) {
	for p := numPriorities - 1; p >= 0; p-- {
		if len(q.tiers[p]) == 0 {
			continue
		}
		it := q.tiers[p][0]
		q.tiers[p][0] = nil
		q.tiers[p] = q.tiers[p][1:]
		delete(q.ids, it.ID)
		return it, true
	}
	return nil, false
}

func (q *queue) clear() int {
	n := q.len()
	for p := range q.tiers {
		q.tiers[p] = nil
	}
	q.ids = make(map[string]struct{})
	return n
}

func (q *queue) len() int {
	n := 0
	for p := range q.tiers {
		n += len(q.tiers[p])
	}
	return n
}

// pending lists queued items in drain order.
func (q *queue) pending() []Summary {
	out := make([]Summary, 0, q.len())
	for p := numPriorities - 1; p >= 0; p-- {
		for _, it := range q.tiers[p] {
			out = append(out, it.summary())
		}
	}
	return out
}
