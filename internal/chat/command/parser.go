// Package command parses relay protocol lines into commands.
package command

import "strings"

// Kind identifies what a protocol line asks the server to do.
type Kind int

const (
	// Chat is any line that is not a command; it is broadcast to the room.
	Chat Kind = iota
	// Name sets the session's display name.
	Name
	// Join moves the session into a room.
	Join
	// Leave leaves the current room and ends the session.
	Leave
	// Empty is a blank line; it is ignored.
	Empty
)

func (k Kind) String() string {
	switch k {
	case Chat:
		return "chat"
	case Name:
		return "name"
	case Join:
		return "join"
	case Leave:
		return "leave"
	case Empty:
		return "empty"
	default:
		return "unknown"
	}
}

// Command keywords. They are case-sensitive.
const (
	KeywordName  = "NAME"
	KeywordJoin  = "JOIN"
	KeywordLeave = "LEAVE"
)

// ParseResult holds the parsed command and its argument.
type ParseResult struct {
	Kind Kind
	// Arg is the trimmed argument of NAME or JOIN; empty for other kinds.
	Arg string
	// Text is the original line for Chat, unmodified.
	Text string
}

// Parse classifies a single protocol line.
//
// Postcondition: Returns a ParseResult; never fails. A NAME or JOIN with no
// argument yields an empty Arg, which callers reject.
func Parse(line string) ParseResult {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return ParseResult{Kind: Empty}
	}

	if trimmed == KeywordLeave {
		return ParseResult{Kind: Leave}
	}
	if arg, ok := keywordArg(trimmed, KeywordName); ok {
		return ParseResult{Kind: Name, Arg: arg}
	}
	if arg, ok := keywordArg(trimmed, KeywordJoin); ok {
		return ParseResult{Kind: Join, Arg: arg}
	}

	return ParseResult{Kind: Chat, Text: line}
}

// keywordArg matches "KEYWORD" or "KEYWORD <arg>" and returns the trimmed arg.
func keywordArg(line, keyword string) (string, bool) {
	if line == keyword {
		return "", true
	}
	rest, ok := strings.CutPrefix(line, keyword+" ")
	if !ok {
		return "", false
	}
	return strings.TrimSpace(rest), true
}
