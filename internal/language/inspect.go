package language

// PublicClassName scans source for the first "public class <Name>" declaration
// and returns Name. Keywords and the name must be separated by whitespace; the
// name is a run of ASCII letters, digits and underscores.
//
// This is a textual scan, not a parse. Comments, string literals and nested
// declarations are not recognised, so a commented-out or quoted declaration
// that appears first will be returned, and with several public classes only
// the first one counts.
func PublicClassName(source string) (string, bool) {
	const public, class = "public", "class"

	for i := 0; i+len(public) <= len(source); i++ {
		if source[i:i+len(public)] != public {
			continue
		}
		j := i + len(public)
		k := skipSpace(source, j)
		if k == j || !hasPrefixAt(source, k, class) {
			continue
		}
		j = k + len(class)
		k = skipSpace(source, j)
		if k == j {
			continue
		}
		end := k
		for end < len(source) && isWordByte(source[end]) {
			end++
		}
		if end > k {
			return source[k:end], true
		}
	}
	return "", false
}

func skipSpace(s string, i int) int {
	for i < len(s) {
		switch s[i] {
		case ' ', '\t', '\n', '\r', '\f', '\v':
			i++
		default:
			return i
		}
	}
	return i
}

func hasPrefixAt(s string, i int, prefix string) bool {
	return i+len(prefix) <= len(s) && s[i:i+len(prefix)] == prefix
}

func isWordByte(b byte) bool {
	return b == '_' ||
		(b >= 'a' && b <= 'z') ||
		(b >= 'A' && b <= 'Z') ||
		(b >= '0' && b <= '9')
}
