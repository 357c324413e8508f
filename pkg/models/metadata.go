package models

import "time"

// Metadata fields with defined semantics. Everything else in a metadata
// mapping is pass-through.
const (
	MetaSourceID   = "sourceId"
	MetaContentID  = "contentId"
	MetaTitle      = "title"
	MetaExcerpt    = "excerpt"
	MetaURL        = "url"
	MetaCategory   = "category"
	MetaTags       = "tags"
	MetaCreatedAt  = "createdAt"
	MetaModifiedAt = "modifiedAt"
	MetaText       = "text"
)

// MetaString returns the string value of a metadata field, or "" when the
// field is absent or not a string.
func MetaString(meta map[string]any, key string) string {
	if meta == nil {
		return ""
	}
	s, _ := meta[key].(string)
	return s
}

// MetaTime parses a metadata timestamp field. Accepts RFC 3339 strings and
// time.Time values; returns the zero time otherwise.
func MetaTime(meta map[string]any, key string) time.Time {
	if meta == nil {
		return time.Time{}
	}
	switch v := meta[key].(type) {
	case time.Time:
		return v
	case string:
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t
		}
	}
	return time.Time{}
}

// MetaTruthy reports whether a metadata field is present and truthy:
// non-empty strings, true booleans, and non-zero numbers qualify.
func MetaTruthy(meta map[string]any, key string) bool {
	if meta == nil {
		return false
	}
	switch v := meta[key].(type) {
	case bool:
		return v
	case string:
		return v != ""
	case float64:
		return v != 0
	case int:
		return v != 0
	case int64:
		return v != 0
	case nil:
		return false
	default:
		return true
	}
}

// ContentKey returns the de-duplication key for a result: the contentId
// metadata field when present, the record id otherwise.
func ContentKey(id string, meta map[string]any) string {
	if cid := MetaString(meta, MetaContentID); cid != "" {
		return cid
	}
	return id
}
