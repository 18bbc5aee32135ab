package segment

import "strings"

// Chunk is the text of one or more units sealed together for a single synthesis call.
type Chunk struct {
	Text     string
	Captions []string
}

// Accumulator collects units until the most recent one is ready.
type Accumulator struct {
	text      strings.Builder
	captions  []string
	lastReady bool
}

func (a *Accumulator) Add(u Unit) {
	a.text.WriteString(u.Primary)
	a.captions = append(a.captions, u.Translation)
	a.lastReady = u.Ready
}

// Seal returns the held chunk only when the last added unit was ready.
func (a *Accumulator) Seal() (Chunk, bool) {
	if !a.lastReady {
		return Chunk{}, false
	}
	return a.take(), true
}

// Flush seals whatever is held regardless of readiness.
func (a *Accumulator) Flush() (Chunk, bool) {
	if len(a.captions) == 0 {
		return Chunk{}, false
	}
	return a.take(), true
}

// Pending reports the number of held units.
func (a *Accumulator) Pending() int {
	return len(a.captions)
}

func (a *Accumulator) take() Chunk {
	chunk := Chunk{Text: a.text.String(), Captions: a.captions}
	a.text.Reset()
	a.captions = nil
	a.lastReady = false
	return chunk
}
