package monitor

import (
	"fmt"
)

// Fields is the free-form context passed with a capture. Recognized keys are
// "user", "tags", "level" and "extra"; all other keys become extra data.
type Fields map[string]any

const (
	fieldUser  = "user"
	fieldTags  = "tags"
	fieldLevel = "level"
	fieldExtra = "extra"
)

// Enrich merges ambient request data into fields and returns a new context
// holding only the recognized keys. Caller-supplied values win over ambient
// ones on every key conflict. fields is not modified.
func Enrich(fields Fields, ambient Ambient) Fields {
	if ambient == nil {
		ambient = StaticAmbient{}
	}

	out := make(Fields, 4)

	if session := ambient.Session(); len(session) > 0 {
		user := copyMap(userMap(fields[fieldUser]))
		if user == nil {
			user = make(map[string]any)
		}
		data := copyMap(session)
		for k, v := range asMap(user["data"]) {
			data[k] = v
		}
		user["data"] = data

		if _, ok := user["id"]; !ok {
			user["id"] = ambient.SessionID()
		}
		out[fieldUser] = user
	} else if user, ok := fields[fieldUser]; ok && user != nil {
		// without session data the caller's value is kept as given
		if m := asMap(user); m != nil {
			user = copyMap(m)
		}
		out[fieldUser] = user
	}

	tags := map[string]string{
		"environment": ambient.Environment(),
		"server":      ambient.Host(),
	}
	for k, v := range asStringMap(fields[fieldTags]) {
		tags[k] = v
	}
	out[fieldTags] = tags

	extra := map[string]any{
		"ip": ambient.ClientIP(),
	}
	for k, v := range fields {
		switch k {
		case fieldUser, fieldTags, fieldLevel, fieldExtra:
			continue
		}
		extra[k] = v
	}
	for k, v := range asMap(fields[fieldExtra]) {
		extra[k] = v
	}
	out[fieldExtra] = extra

	if level, ok := fields[fieldLevel]; ok {
		out[fieldLevel] = level
	}

	return out
}

func asMap(v any) map[string]any {
	switch m := v.(type) {
	case map[string]any:
		return m
	case Fields:
		return m
	case map[string]string:
		out := make(map[string]any, len(m))
		for k, s := range m {
			out[k] = s
		}
		return out
	}
	return nil
}

// userMap returns v as a map. Any other user value is kept under "value".
func userMap(v any) map[string]any {
	if m := asMap(v); m != nil {
		return m
	}
	if v == nil {
		return nil
	}
	return map[string]any{"value": v}
}

func asStringMap(v any) map[string]string {
	switch m := v.(type) {
	case map[string]string:
		return m
	case map[string]any:
		return stringify(m)
	case Fields:
		return stringify(m)
	}
	return nil
}

func stringify(m map[string]any) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		if s, ok := v.(string); ok {
			out[k] = s
			continue
		}
		out[k] = fmt.Sprint(sanitizeValue(v))
	}
	return out
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
