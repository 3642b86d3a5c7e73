package proxy

// pendingUTF8Bytes reports how many continuation bytes are still required to
// complete a trailing multi-byte UTF-8 sequence in data (0-3).
//
// The result gates our own title OSC write: splicing ASCII escape bytes into
// a partially-emitted multi-byte character (e.g. the first two bytes of a
// box-drawing rune) corrupts the stream and renders replacement glyphs.
//
// UTF-8 framing:
//
//	1-byte: 0xxxxxxx              (complete)
//	2-byte: 110xxxxx 10xxxxxx
//	3-byte: 1110xxxx 10xxxxxx 10xxxxxx
//	4-byte: 11110xxx 10xxxxxx 10xxxxxx 10xxxxxx
func pendingUTF8Bytes(data []byte) int {
	if len(data) == 0 {
		return 0
	}

	last := data[len(data)-1]

	// ASCII tail: complete.
	if last < 0x80 {
		return 0
	}

	// Trailing continuation bytes: scan back to the leading byte and count
	// how many continuations it still expects.
	if last&0xC0 == 0x80 {
		contCount := 0
		pos := len(data) - 1
		for pos >= 0 && data[pos]&0xC0 == 0x80 {
			contCount++
			pos--
		}
		if pos >= 0 {
			expected := sequenceLength(data[pos])
			if contCount < expected {
				return expected - contCount
			}
		}
		return 0 // complete or invalid
	}

	// Trailing leading byte: the whole tail is missing.
	return sequenceLength(last)
}

// sequenceLength returns the number of continuation bytes a leading byte
// expects, 0 for ASCII or invalid leads.
func sequenceLength(lead byte) int {
	switch {
	case lead&0xF8 == 0xF0:
		return 3
	case lead&0xF0 == 0xE0:
		return 2
	case lead&0xE0 == 0xC0:
		return 1
	default:
		return 0
	}
}
