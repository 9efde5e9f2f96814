package tasks

import (
	"github.com/dcplant/dcplant/internal/platform/websocket"
)

// EventProgress is the websocket event type carrying a Progress payload.
const EventProgress = "task.progress"

// Topic is the websocket topic a task's progress is pushed to.
func Topic(taskID string) string { return "task:" + taskID }

// Stream pushes progress updates to websocket clients watching a task and
// ends their streams when the task finishes.
type Stream struct {
	hub *websocket.Hub
}

// NewStream wires the hub to every update the queue makes.
func NewStream(hub *websocket.Hub, q *Queue) *Stream {
	s := &Stream{hub: hub}
	q.Observe(s.Publish)
	return s
}

func (s *Stream) Publish(p Progress) {
	topic := Topic(p.TaskID)
	s.hub.Broadcast(topic, websocket.NewEvent(EventProgress, topic, p))
	if p.Finished() {
		s.hub.CloseTopic(topic)
	}
}
