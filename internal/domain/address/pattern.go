package address

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/GriffinCanCode/hookhost/internal/shared/errs"
)

// Pattern is a parsed byte signature. Wildcard positions match any byte.
type Pattern struct {
	bytes    []byte
	wildcard []bool
}

// ParsePattern parses whitespace separated tokens. Each token is a hex
// byte ("48", "0F") or one of the wildcards "?", "??", "*", "**".
func ParsePattern(s string) (Pattern, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return Pattern{}, fmt.Errorf("%w: empty pattern", errs.ErrInvalidArgument)
	}

	p := Pattern{
		bytes:    make([]byte, len(fields)),
		wildcard: make([]bool, len(fields)),
	}
	for i, tok := range fields {
		switch tok {
		case "?", "??", "*", "**":
			p.wildcard[i] = true
			continue
		}
		b, err := strconv.ParseUint(tok, 16, 8)
		if err != nil || len(tok) > 2 {
			return Pattern{}, fmt.Errorf("%w: bad pattern token %q at %d", errs.ErrInvalidArgument, tok, i)
		}
		p.bytes[i] = byte(b)
	}
	return p, nil
}

// MustParsePattern is ParsePattern for patterns known at compile time
func MustParsePattern(s string) Pattern {
	p, err := ParsePattern(s)
	if err != nil {
		panic(err)
	}
	return p
}

// Len returns the number of tokens
func (p Pattern) Len() int { return len(p.bytes) }

// matchAt reports whether the pattern matches data starting at i.
// Compares from the end, where signatures tend to differ.
func (p Pattern) matchAt(data []byte, i int) bool {
	for j := len(p.bytes) - 1; j >= 0; j-- {
		if !p.wildcard[j] && data[i+j] != p.bytes[j] {
			return false
		}
	}
	return true
}

func (p Pattern) String() string {
	var b strings.Builder
	for i := range p.bytes {
		if i > 0 {
			b.WriteByte(' ')
		}
		if p.wildcard[i] {
			b.WriteString("??")
		} else {
			fmt.Fprintf(&b, "%02X", p.bytes[i])
		}
	}
	return b.String()
}
