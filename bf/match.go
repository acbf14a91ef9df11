package bf

// MatchForward finds where execution resumes after a '[' at start is taken
// with a zero cell: one past the matching ']'. Unmatched brackets resolve to
// start itself.
func MatchForward(program []rune, start int) int {
	target, _ := matchForward(program, start)
	return target
}

// MatchBackward finds where execution resumes after a ']' at start is taken
// with a nonzero cell: one past the matching '['. Unmatched brackets resolve
// to start itself.
func MatchBackward(program []rune, start int) int {
	target, _ := matchBackward(program, start)
	return target
}

// An empty loop body makes the backward target equal to start, so callers
// that need to tell that apart from a missing bracket use ok. A start outside
// the program never matches.
func matchForward(program []rune, start int) (target int, ok bool) {
	if start < 0 || start >= len(program) {
		return start, false
	}
	depth := 1
	for j := start + 1; j < len(program); j++ {
		switch program[j] {
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return j + 1, true
			}
		}
	}
	return start, false
}

func matchBackward(program []rune, start int) (target int, ok bool) {
	if start < 0 || start >= len(program) {
		return start, false
	}
	depth := 1
	for j := start - 1; j >= 0; j-- {
		switch program[j] {
		case ']':
			depth++
		case '[':
			depth--
			if depth == 0 {
				return j + 1, true
			}
		}
	}
	return start, false
}
