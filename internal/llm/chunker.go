package llm

// defaultChunkSize bounds the size of emitted text fragments. Keeping
// fragments small lets the UI render and speak them promptly.
const defaultChunkSize = 160

// ChunkTokens wraps a callback so oversized token events are split into
// fragments of at most max runes before delivery. Multi-byte text is
// split on rune boundaries, never mid-character. Other event kinds pass
// through untouched.
func ChunkTokens(max int, callback StreamCallback) StreamCallback {
	if max <= 0 {
		max = defaultChunkSize
	}
	return func(event StreamEvent) {
		if event.Kind != KindToken {
			callback(event)
			return
		}
		runes := []rune(event.Token)
		for len(runes) > max {
			callback(StreamEvent{Kind: KindToken, Token: string(runes[:max])})
			runes = runes[max:]
		}
		if len(runes) > 0 {
			callback(StreamEvent{Kind: KindToken, Token: string(runes)})
		}
	}
}
