package proxy

// titleFilterState enumerates the title OSC discarder states.
type titleFilterState int

const (
	statePass titleFilterState = iota
	stateSawEsc
	stateSawBracket
	// stateSawDigit: saw ESC ] followed by 0, 1, or 2; waiting for ; to
	// confirm a title sequence. The digit itself is kept in sawDigit.
	stateSawDigit
	// stateInTitle: inside title content, discarding until BEL or ESC \.
	stateInTitle
	stateInTitleSawEsc
)

// maxTitleDiscard bounds how many bytes an unterminated title sequence may
// swallow before the filter gives up and resumes pass-through.
const maxTitleDiscard = 256

// titleOscFilter strips OSC 0/1/2 (icon/title) sequences from the child's
// output, surviving arbitrary read boundaries. Only title bytes are
// discarded - real output passes through immediately, with at most a 3-byte
// prefix (ESC, ], digit) held across a chunk boundary.
type titleOscFilter struct {
	state        titleFilterState
	sawDigit     byte
	discardCount int
}

// Filter strips title sequences from data. Returns the pass-through bytes
// and whether at least one title sequence was removed.
func (f *titleOscFilter) Filter(data []byte) ([]byte, bool) {
	result := make([]byte, 0, len(data))
	foundTitle := false

	for _, b := range data {
		switch f.state {
		case statePass:
			if b == 0x1b {
				f.state = stateSawEsc
			} else {
				result = append(result, b)
			}
		case stateSawEsc:
			if b == ']' {
				f.state = stateSawBracket
			} else {
				result = append(result, 0x1b, b)
				f.state = statePass
			}
		case stateSawBracket:
			if b == '0' || b == '1' || b == '2' {
				f.sawDigit = b
				f.state = stateSawDigit
			} else {
				result = append(result, 0x1b, ']', b)
				f.state = statePass
			}
		case stateSawDigit:
			if b == ';' {
				// Confirmed title OSC, discard until terminator.
				f.state = stateInTitle
				f.discardCount = 0
			} else {
				// Multi-digit OSC number (10, 11, ...) or malformed.
				result = append(result, 0x1b, ']', f.sawDigit, b)
				f.state = statePass
			}
		case stateInTitle:
			f.discardCount++
			switch {
			case b == 0x07:
				f.state = statePass
				foundTitle = true
			case b == 0x1b:
				f.state = stateInTitleSawEsc
			case f.discardCount > maxTitleDiscard:
				f.state = statePass
				foundTitle = true
			}
		case stateInTitleSawEsc:
			f.discardCount++
			if b == '\\' {
				// ST terminator (ESC \).
				f.state = statePass
				foundTitle = true
			} else {
				f.state = stateInTitle
			}
		}
	}

	return result, foundTitle
}

// Flush returns any held prefix bytes at end-of-stream so they are not lost.
func (f *titleOscFilter) Flush() []byte {
	switch f.state {
	case stateSawEsc:
		return []byte{0x1b}
	case stateSawBracket:
		return []byte{0x1b, ']'}
	case stateSawDigit:
		return []byte{0x1b, ']', f.sawDigit}
	default:
		return nil
	}
}
