package command

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestParse_Empty(t *testing.T) {
	assert.Equal(t, Empty, Parse("").Kind)
	assert.Equal(t, Empty, Parse("   \t ").Kind)
}

func TestParse_Name(t *testing.T) {
	result := Parse("NAME alice")
	assert.Equal(t, Name, result.Kind)
	assert.Equal(t, "alice", result.Arg)
}

func TestParse_NameWithSpaces(t *testing.T) {
	result := Parse("NAME   Alice Smith  ")
	assert.Equal(t, Name, result.Kind)
	assert.Equal(t, "Alice Smith", result.Arg)
}

func TestParse_Join(t *testing.T) {
	result := Parse("JOIN lobby")
	assert.Equal(t, Join, result.Kind)
	assert.Equal(t, "lobby", result.Arg)
}

func TestParse_KeywordWithoutArgument(t *testing.T) {
	assert.Equal(t, ParseResult{Kind: Join}, Parse("JOIN"))
	assert.Equal(t, ParseResult{Kind: Name}, Parse("NAME "))
}

func TestParse_Leave(t *testing.T) {
	assert.Equal(t, Leave, Parse("LEAVE").Kind)
	assert.Equal(t, Leave, Parse("LEAVE  ").Kind)
}

func TestParse_KeywordsAreCaseSensitive(t *testing.T) {
	for _, line := range []string{"join lobby", "leave", "name bob", "Leave"} {
		result := Parse(line)
		assert.Equal(t, Chat, result.Kind, "line %q", line)
		assert.Equal(t, line, result.Text)
	}
}

func TestParse_KeywordPrefixIsChat(t *testing.T) {
	for _, line := range []string{"LEAVES are falling", "JOINED the club", "NAMEless"} {
		assert.Equal(t, Chat, Parse(line).Kind, "line %q", line)
	}
}

func TestParse_ChatKeepsOriginalText(t *testing.T) {
	result := Parse("  hello   world ")
	assert.Equal(t, Chat, result.Kind)
	assert.Equal(t, "  hello   world ", result.Text)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "chat", Chat.String())
	assert.Equal(t, "name", Name.String())
	assert.Equal(t, "join", Join.String())
	assert.Equal(t, "leave", Leave.String())
	assert.Equal(t, "empty", Empty.String())
	assert.Equal(t, "unknown", Kind(42).String())
}

// Property: JOIN followed by any non-blank room name parses to that name.
func TestPropertyJoinRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		room := rapid.StringMatching(`[a-zA-Z0-9_#-]{1,32}`).Draw(t, "room")
		result := Parse("JOIN " + room)
		if result.Kind != Join || result.Arg != room {
			t.Fatalf("Parse(%q) = %+v", "JOIN "+room, result)
		}
	})
}

// Property: lines not starting with an upper-case keyword are always chat.
func TestPropertyLowercaseLinesAreChat(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		line := rapid.StringMatching(`[a-z][a-z ]{0,40}`).Draw(t, "line")
		if strings.TrimSpace(line) == "" {
			return
		}
		result := Parse(line)
		if result.Kind != Chat {
			t.Fatalf("Parse(%q).Kind = %s, want chat", line, result.Kind)
		}
	})
}
