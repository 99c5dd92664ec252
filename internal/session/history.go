package session

// History is a fixed-capacity most-recent-first list of completed, non-empty
// transcripts. Owned and mutated only by the coordinator loop; readers get
// copies via Entries.
type History struct {
	capacity int
	entries  []string
}

// NewHistory creates a history ring with the given capacity.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = 3
	}
	return &History{
		capacity: capacity,
		entries:  make([]string, 0, capacity),
	}
}

// Insert prepends a transcript, evicting the oldest entry past capacity.
// Empty transcripts are never inserted.
func (h *History) Insert(transcript string) {
	if transcript == "" {
		return
	}
	h.entries = append([]string{transcript}, h.entries...)
	if len(h.entries) > h.capacity {
		h.entries = h.entries[:h.capacity]
	}
}

// Entries returns a copy of the history, most recent first.
func (h *History) Entries() []string {
	out := make([]string, len(h.entries))
	copy(out, h.entries)
	return out
}

// Len returns the number of stored transcripts.
func (h *History) Len() int {
	return len(h.entries)
}
