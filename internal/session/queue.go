package session

// Queue holds completed utterances waiting for the tutor, in arrival order.
type Queue struct {
	items []string
}

// Enqueue appends an utterance and returns the new depth.
func (q *Queue) Enqueue(utterance string) int {
	q.items = append(q.items, utterance)
	return len(q.items)
}

// Pop removes the oldest utterance.
func (q *Queue) Pop() (string, bool) {
	if len(q.items) == 0 {
		return "", false
	}
	u := q.items[0]
	q.items[0] = ""
	q.items = q.items[1:]
	return u, true
}

// Len returns the depth.
func (q *Queue) Len() int { return len(q.items) }

// Clear drops everything.
func (q *Queue) Clear() { q.items = nil }
