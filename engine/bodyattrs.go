package engine

import (
	"encoding/json"
	"fmt"
	"html"
	"sort"
	"strings"
)

// BodyAttrs are attributes for the document's <body> tag. The rendering side may send them
// either as a preformatted attribute string or as an object.
type BodyAttrs struct {
	Raw   string
	Attrs map[string]any
}

// String renders the attributes for insertion into a tag. Object keys are sorted. A true value
// renders a bare attribute, false and null are dropped.
func (a *BodyAttrs) String() string {
	if a == nil {
		return ""
	}
	if a.Attrs == nil {
		return strings.TrimSpace(a.Raw)
	}
	keys := make([]string, 0, len(a.Attrs))
	for k := range a.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var parts []string
	for _, k := range keys {
		switch v := a.Attrs[k].(type) {
		case nil:
		case bool:
			if v {
				parts = append(parts, html.EscapeString(k))
			}
		case string:
			parts = append(parts, fmt.Sprintf(`%s="%s"`, html.EscapeString(k), html.EscapeString(v)))
		default:
			b, err := json.Marshal(v)
			if err != nil {
				continue
			}
			parts = append(parts, fmt.Sprintf(`%s="%s"`, html.EscapeString(k), html.EscapeString(strings.Trim(string(b), `"`))))
		}
	}
	return strings.Join(parts, " ")
}

func (a BodyAttrs) MarshalJSON() ([]byte, error) {
	if a.Attrs != nil {
		return json.Marshal(a.Attrs)
	}
	return json.Marshal(a.Raw)
}

func (a *BodyAttrs) UnmarshalJSON(b []byte) error {
	*a = BodyAttrs{}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch v := v.(type) {
	case nil:
	case string:
		a.Raw = v
	case map[string]any:
		a.Attrs = v
	default:
		return fmt.Errorf("bodyAttrs must be a string or an object, got %T", v)
	}
	return nil
}
