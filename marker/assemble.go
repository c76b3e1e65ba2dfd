package marker

import "strings"

// Assemble builds a complete document from a template and a buffered render result.
// The head goes at the head marker, the body at the body marker, and bodyAttrs (already
// rendered as an attribute string) is added to the first <body> tag before the body marker.
func Assemble(template, head, body, bodyAttrs string) (string, error) {
	seg, err := Split(template, BodyMarker)
	if err != nil {
		return "", err
	}
	before, _ := InjectHead(seg.BeforeBody, HeadMarker, head)
	if bodyAttrs != "" {
		before = AddBodyAttrs(before, bodyAttrs)
	}
	var sb strings.Builder
	sb.Grow(len(before) + len(body) + len(seg.AfterBody))
	sb.WriteString(before)
	sb.WriteString(body)
	sb.WriteString(seg.AfterBody)
	return sb.String(), nil
}

// AddBodyAttrs inserts attrs into the first <body> tag of s. s is returned unchanged when
// there is no such tag.
func AddBodyAttrs(s, attrs string) string {
	lower := strings.ToLower(s)
	from := 0
	for {
		i := strings.Index(lower[from:], "<body")
		if i < 0 {
			return s
		}
		i += from
		end := i + len("<body")
		if end == len(s) {
			return s
		}
		switch s[end] {
		case '>', ' ', '\t', '\n', '\r', '/':
			return s[:end] + " " + attrs + s[end:]
		}
		from = end
	}
}
