package llm

import (
	"context"
	"time"
)

const mockDeltaRunes = 6

// MockReply is what the mock generator streams: two translated units.
const MockReply = "ふん、別にあなたのために来たわけじゃないんだからね。<<Hmph, it's not like I came here for you.>>" +
	"でも、ちょっとだけなら話を聞いてあげてもいいわよ。<<But I suppose I can listen for a little while.>>"

type mockGenerator struct {
	reply string
	delay time.Duration
}

func NewMockGenerator() Generator { return &mockGenerator{reply: MockReply, delay: 5 * time.Millisecond} }

// Generate streams the canned reply in small deltas, splitting on rune boundaries.
func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	runes := []rune(m.reply)
	start := time.Now()
	for i := 0; i < len(runes); i += mockDeltaRunes {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.delay):
		}
		end := i + mockDeltaRunes
		if end > len(runes) {
			end = len(runes)
		}
		if err := consumer(Chunk{
			SessionID: req.SessionID,
			Content:   string(runes[i:end]),
			Partial:   end < len(runes),
			Latency:   time.Since(start),
		}); err != nil {
			return err
		}
	}
	return nil
}
