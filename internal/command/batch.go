package command

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Entry pairs a command with the id it was added under.
type Entry struct {
	ID      string   `cbor:"id" json:"id"`
	Command *Command `cbor:"command" json:"command"`
}

// Batch is an ordered set of commands keyed by the id returned from Add.
// It is not safe for concurrent use.
type Batch struct {
	order []string
	byID  map[string]*Command
}

func NewBatch() *Batch {
	return &Batch{byID: make(map[string]*Command)}
}

// FromEntries rebuilds a batch in entry order. Ids must be non-empty and
// unique and every entry must carry a command. Command fields are not
// validated here; a malformed command fails on its own when dispatched.
func FromEntries(entries []Entry) (*Batch, error) {
	b := NewBatch()
	for i, e := range entries {
		id := strings.TrimSpace(e.ID)
		if id == "" {
			return nil, fmt.Errorf("%w: entries[%d] has empty id", ErrInvalidCommand, i)
		}
		if _, ok := b.byID[id]; ok {
			return nil, fmt.Errorf("%w: duplicate id %q", ErrInvalidCommand, id)
		}
		if e.Command == nil {
			return nil, fmt.Errorf("%w: entries[%d] has no command", ErrInvalidCommand, i)
		}
		b.order = append(b.order, id)
		b.byID[id] = e.Command
	}
	return b, nil
}

// Add stores c under a new unique id and returns the id.
func (b *Batch) Add(c *Command) string {
	b.ensure()
	id := uuid.NewString()
	for {
		if _, ok := b.byID[id]; !ok {
			break
		}
		id = uuid.NewString()
	}
	b.order = append(b.order, id)
	b.byID[id] = c
	return id
}

// Get returns the command stored under id.
func (b *Batch) Get(id string) (*Command, bool) {
	if b == nil {
		return nil, false
	}
	c, ok := b.byID[id]
	return c, ok
}

func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.order)
}

// IDs returns the ids in insertion order.
func (b *Batch) IDs() []string {
	if b == nil {
		return nil
	}
	return append([]string(nil), b.order...)
}

// Each calls fn for every command in order.
func (b *Batch) Each(fn func(id string, c *Command)) {
	if b == nil {
		return
	}
	for _, id := range b.order {
		fn(id, b.byID[id])
	}
}

// Entries returns the ordered serializable form of the batch.
func (b *Batch) Entries() []Entry {
	out := make([]Entry, 0, b.Len())
	b.Each(func(id string, c *Command) {
		out = append(out, Entry{ID: id, Command: c})
	})
	return out
}

// Replace makes b hold exactly the commands of other.
func (b *Batch) Replace(other *Batch) {
	b.order = nil
	b.byID = make(map[string]*Command, other.Len())
	other.Each(func(id string, c *Command) {
		b.order = append(b.order, id)
		b.byID[id] = c
	})
}

func (b *Batch) ensure() {
	if b.byID == nil {
		b.byID = make(map[string]*Command)
	}
}
