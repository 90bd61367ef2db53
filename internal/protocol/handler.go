package protocol

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultCommandTimeout is how long an issued command id stays pending.
const DefaultCommandTimeout = 30 * time.Second

// Stats holds protocol handler counters.
type Stats struct {
	MessagesParsed  uint64
	ParseErrors     uint64
	InvalidMessages uint64
	CommandsSent    uint64
	PendingCommands int
	LastCommandID   string
}

// Handler parses inbound frames and encodes outbound commands, tracking the
// correlation ids it has issued.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Handler struct {
	mu      sync.Mutex
	counter uint64
	pending map[string]time.Time

	now func() time.Time

	messagesParsed  atomic.Uint64
	parseErrors     atomic.Uint64
	invalidMessages atomic.Uint64
	commandsSent    atomic.Uint64
}

// NewHandler creates a Handler with an empty pending table.
func NewHandler() *Handler {
	return &Handler{
		pending: make(map[string]time.Time),
		now:     time.Now,
	}
}

// Parse classifies one frame.
//
// Empty frames return ErrEmptyFrame and malformed frames an error wrapping
// ErrParse; both are counted. Unrecognised frames are returned as
// KindUnknown and counted as invalid.
func (h *Handler) Parse(line string) (Message, error) {
	msg, err := parseFrame(line, h.now())
	switch {
	case errors.Is(err, ErrEmptyFrame):
		h.invalidMessages.Add(1)
		return Message{}, err
	case err != nil:
		h.parseErrors.Add(1)
		return Message{}, err
	case msg.Kind == KindUnknown:
		h.invalidMessages.Add(1)
	default:
		h.messagesParsed.Add(1)
	}
	return msg, nil
}

// Encode renders cmd in the text form, assigning the next correlation id
// and recording it as pending. An invalid command consumes no id.
func (h *Handler) Encode(cmd Command) (Frame, error) {
	return h.encode(cmd, func(id string) (string, error) {
		return cmd.text(id), nil
	})
}

// EncodeJSON renders cmd in the controller JSON form. Ids come from the
// same sequence as Encode.
func (h *Handler) EncodeJSON(cmd Command) (Frame, error) {
	return h.encode(cmd, func(id string) (string, error) {
		return encodeJSONCommand(id, cmd)
	})
}

func (h *Handler) encode(cmd Command, render func(id string) (string, error)) (Frame, error) {
	if cmd == nil {
		return Frame{}, fmt.Errorf("%w: nil command", ErrInvalidCommand)
	}
	if err := cmd.validate(); err != nil {
		return Frame{}, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	id := formatCommandID(h.counter + 1)
	text, err := render(id)
	if err != nil {
		return Frame{}, err
	}

	h.counter++
	h.pending[id] = h.now()
	h.commandsSent.Add(1)

	return Frame{ID: id, Text: text}, nil
}

func formatCommandID(n uint64) string {
	return fmt.Sprintf("CMD_%04d", n)
}

// MarkCompleted removes id from the pending table, reporting whether it
// was pending.
func (h *Handler) MarkCompleted(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.pending[id]; !ok {
		return false
	}
	delete(h.pending, id)
	return true
}

// IsPending reports whether id is awaiting a response.
func (h *Handler) IsPending(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.pending[id]
	return ok
}

// Pending returns the pending ids in issue order.
func (h *Handler) Pending() []string {
	h.mu.Lock()
	ids := make([]string, 0, len(h.pending))
	for id := range h.pending {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	// Zero-padded ids sort in issue order up to CMD_9999.
	sort.Slice(ids, func(i, j int) bool {
		if len(ids[i]) != len(ids[j]) {
			return len(ids[i]) < len(ids[j])
		}
		return ids[i] < ids[j]
	})
	return ids
}

// SweepExpired drops pending ids older than timeout and returns how many
// were dropped. A non-positive timeout uses DefaultCommandTimeout.
func (h *Handler) SweepExpired(timeout time.Duration) int {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	dropped := 0
	for id, issued := range h.pending {
		if now.Sub(issued) > timeout {
			delete(h.pending, id)
			dropped++
		}
	}
	return dropped
}

// Stats returns a snapshot of the counters.
func (h *Handler) Stats() Stats {
	h.mu.Lock()
	pending := len(h.pending)
	last := ""
	if h.counter > 0 {
		last = formatCommandID(h.counter)
	}
	h.mu.Unlock()

	return Stats{
		MessagesParsed:  h.messagesParsed.Load(),
		ParseErrors:     h.parseErrors.Load(),
		InvalidMessages: h.invalidMessages.Load(),
		CommandsSent:    h.commandsSent.Load(),
		PendingCommands: pending,
		LastCommandID:   last,
	}
}
