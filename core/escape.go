package core

import "strings"

// DecodeTestPayload converts a stored test-case payload into the literal text
// fed to (or expected from) the submitted program. Payloads are stored as if
// they were string literals: the escapes \n \t \r \\ \" are decoded, and at
// most one pair of surrounding double quotes is stripped afterwards. Unknown
// escape sequences are left verbatim.
func DecodeTestPayload(s string) string {
	decoded := decodeEscapes(s)
	if len(decoded) >= 2 && decoded[0] == '"' && decoded[len(decoded)-1] == '"' {
		decoded = decoded[1 : len(decoded)-1]
	}
	return decoded
}

func decodeEscapes(s string) string {
	if !strings.ContainsRune(s, '\\') {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 >= len(s) {
			b.WriteByte(c)
			continue
		}
		switch s[i+1] {
		case 'n':
			b.WriteByte('\n')
		case 't':
			b.WriteByte('\t')
		case 'r':
			b.WriteByte('\r')
		case '\\':
			b.WriteByte('\\')
		case '"':
			b.WriteByte('"')
		default:
			b.WriteByte(c)
			continue
		}
		i++
	}
	return b.String()
}
