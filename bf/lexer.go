package bf

import "strings"

// Command is a single brainfuck instruction, keyed by its source character.
type Command rune

const (
	Increment Command = '+'
	Decrement Command = '-'
	Left      Command = '<'
	Right     Command = '>'
	Output    Command = '.'
	Input     Command = ','
	LoopStart Command = '['
	LoopEnd   Command = ']'
	Ignore    Command = ' '
)

// Decode maps a source character to its command. Anything that is not one of
// the eight instructions decodes to Ignore.
func Decode(c rune) Command {
	switch c {
	case '+':
		return Increment
	case '-':
		return Decrement
	case '>':
		return Right
	case '<':
		return Left
	case '.':
		return Output
	case ',':
		return Input
	case '[':
		return LoopStart
	case ']':
		return LoopEnd
	default:
		return Ignore
	}
}

func (c Command) IsCommand() bool {
	return c != Ignore
}

func (c Command) String() string {
	switch c {
	case Increment, Decrement, Left, Right, Output, Input, LoopStart, LoopEnd:
		return string(rune(c))
	default:
		return "comment"
	}
}

// Strip drops every comment character from the source, leaving only the
// instructions in their original order.
func Strip(source string) string {
	return strings.Map(func(c rune) rune {
		if Decode(c).IsCommand() {
			return c
		}
		return -1
	}, source)
}
