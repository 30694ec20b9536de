package hourtail

import "bytes"

// Frame splits region into newline terminated lines and calls emit for each
// one, in order, with the trailing '\n' removed. Empty lines are skipped
// unless keepBlank is set. The slice handed to emit aliases region.
//
// Frame returns the number of bytes consumed: everything up to and including
// the last newline. region[consumed:] is the unterminated remainder that must
// be carried into the next read.
func Frame(region []byte, keepBlank bool, emit func(line []byte)) (consumed int) {
	for {
		i := bytes.IndexByte(region[consumed:], '\n')
		if i < 0 {
			return consumed
		}
		if i > 0 || keepBlank {
			emit(region[consumed : consumed+i])
		}
		consumed += i + 1
	}
}
