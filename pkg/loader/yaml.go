package loader

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vladm3105/tradegent/pkg/common"
)

// envelope keys recognized at the top level of a YAML document, with the
// aliases producers use for them
var envelopeAliases = map[string]string{
	"id":          "id",
	"doc_id":      "id",
	"doc_type":    "doc_type",
	"type":        "doc_type",
	"subject_key": "subject_key",
	"ticker":      "subject_key",
	"symbol":      "subject_key",
	"date":        "date",
	"created":     "date",
	"tags":        "tags",
	"source_path": "source_path",
}

// ParseYAML decodes a YAML document into a submission. Envelope keys may sit
// at the top level or under a "_meta" block; an explicit structured_fields
// or raw_text key is used as is, otherwise the remaining keys are the
// structured fields.
func ParseYAML(data []byte) (Submission, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Submission{}, fmt.Errorf("%w: yaml: %v", common.ErrMalformed, err)
	}
	if raw == nil {
		return Submission{}, fmt.Errorf("%w: empty yaml document", common.ErrMalformed)
	}

	var sub Submission
	if meta, ok := raw["_meta"].(map[string]any); ok {
		applyEnvelope(&sub, meta)
		delete(raw, "_meta")
	}
	for key := range raw {
		if _, ok := envelopeAliases[strings.ToLower(key)]; ok {
			applyEnvelope(&sub, map[string]any{key: raw[key]})
			delete(raw, key)
		}
	}

	if text, ok := raw["raw_text"].(string); ok {
		sub.RawText = text
		delete(raw, "raw_text")
	}
	if fields, ok := raw["structured_fields"].(map[string]any); ok {
		sub.StructuredFields = fields
		delete(raw, "structured_fields")
	} else if len(raw) > 0 {
		sub.StructuredFields = raw
	}
	return sub, nil
}

func applyEnvelope(sub *Submission, m map[string]any) {
	for key, value := range m {
		switch envelopeAliases[strings.ToLower(key)] {
		case "id":
			if sub.ID == "" {
				sub.ID = scalarString(value)
			}
		case "doc_type":
			if sub.DocType == "" {
				sub.DocType = scalarString(value)
			}
		case "subject_key":
			if sub.SubjectKey == "" {
				sub.SubjectKey = scalarString(value)
			}
		case "date":
			if sub.Date == "" {
				sub.Date = scalarString(value)
			}
		case "source_path":
			if sub.SourcePath == "" {
				sub.SourcePath = scalarString(value)
			}
		case "tags":
			if items, ok := value.([]any); ok {
				for _, item := range items {
					sub.Tags = append(sub.Tags, scalarString(item))
				}
			}
		}
	}
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case time.Time:
		if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 {
			return t.Format("2006-01-02")
		}
		return t.Format(time.RFC3339)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}
