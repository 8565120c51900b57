package connections

import "bytes"

// migrateEscapedSections rewrites legacy section headers that
// backslash-escape '.', ';', '#' or '\' (spec.md §6: "legacy files
// escape these characters in section names; on first load bhid
// un-escapes them and marks the roster dirty so the next save rewrites
// the file in unescaped form"). Returns the rewritten bytes and
// whether any header was changed.
func migrateEscapedSections(raw []byte) ([]byte, bool) {
	lines := bytes.Split(raw, []byte("\n"))
	changed := false
	for i, line := range lines {
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) < 2 || trimmed[0] != '[' || trimmed[len(trimmed)-1] != ']' {
			continue
		}
		inner := trimmed[1 : len(trimmed)-1]
		if bytes.IndexByte(inner, '\\') == -1 {
			continue
		}
		unescaped, didUnescape := unescapeSectionName(inner)
		if !didUnescape {
			continue
		}
		changed = true
		leadWS := line[:len(line)-len(bytes.TrimLeft(line, " \t"))]
		rebuilt := make([]byte, 0, len(leadWS)+len(unescaped)+2)
		rebuilt = append(rebuilt, leadWS...)
		rebuilt = append(rebuilt, '[')
		rebuilt = append(rebuilt, unescaped...)
		rebuilt = append(rebuilt, ']')
		lines[i] = rebuilt
	}
	return bytes.Join(lines, []byte("\n")), changed
}

func unescapeSectionName(inner []byte) ([]byte, bool) {
	out := make([]byte, 0, len(inner))
	changed := false
	for i := 0; i < len(inner); i++ {
		if inner[i] == '\\' && i+1 < len(inner) {
			switch inner[i+1] {
			case '.', ';', '#', '\\':
				out = append(out, inner[i+1])
				i++
				changed = true
				continue
			}
		}
		out = append(out, inner[i])
	}
	return out, changed
}
