package connector

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"github.com/loomworks/loom/pkg/models"
)

// FieldMap tunes the default record-to-chunk mapping. Each entry is a
// gjson path into the raw record, so nested fields ("fields.summary")
// work without a custom transform.
type FieldMap struct {
	ID        string   // record identifier; default "id"
	Content   []string // candidate content paths, first match wins
	Timestamp string   // record modification time; default "updated_at"
}

var defaultContentPaths = []string{"content", "body", "description", "text", "summary", "title", "name"}

func (f FieldMap) withDefaults() FieldMap {
	if f.ID == "" {
		f.ID = "id"
	}
	if len(f.Content) == 0 {
		f.Content = defaultContentPaths
	}
	if f.Timestamp == "" {
		f.Timestamp = "updated_at"
	}
	return f
}

// defaultChunks is the fallback transform applied when a behavior
// returns contracts.ErrUseDefault. Content comes from the first
// matching field (whole record as compact JSON when none match), the
// source URI is fixed to the connector name so purge-by-source catches
// everything the connector ever wrote, and content past the split size
// becomes several chunks tagged with their chunk_index.
func defaultChunks(connector string, domain models.Domain, records []map[string]any, fm FieldMap) ([]models.DocChunk, error) {
	fm = fm.withDefaults()
	chunks := make([]models.DocChunk, 0, len(records))
	for i, rec := range records {
		raw, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}

		content := ""
		for _, path := range fm.Content {
			if res := gjson.GetBytes(raw, path); res.Exists() && res.String() != "" {
				content = res.String()
				break
			}
		}
		if content == "" {
			content = string(raw)
		}

		recID := gjson.GetBytes(raw, fm.ID)
		ts := recordTime(raw, fm.Timestamp)

		parts := splitContent(content, splitSize, splitOverlap)
		for j, part := range parts {
			meta := map[string]string{"connector": connector}
			if recID.Exists() {
				meta["record_id"] = recID.String()
			}
			if len(parts) > 1 {
				meta["chunk_index"] = strconv.Itoa(j)
			}

			chunks = append(chunks, models.DocChunk{
				Content:   part,
				SourceURI: connector,
				Domain:    domain,
				Timestamp: ts,
				Metadata:  meta,
			})
		}
	}
	return chunks, nil
}

// recordTime extracts the record's modification time, accepting the
// timestamp shapes SaaS APIs actually emit. Unknown shapes fall back to
// ingestion time.
func recordTime(raw []byte, path string) time.Time {
	res := gjson.GetBytes(raw, path)
	switch {
	case res.Type == gjson.String:
		for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
			if t, err := time.Parse(layout, res.String()); err == nil {
				return t.UTC()
			}
		}
	case res.Type == gjson.Number:
		sec := int64(res.Float())
		if sec > 1e12 { // epoch millis
			return time.UnixMilli(sec).UTC()
		}
		if sec > 0 {
			return time.Unix(sec, 0).UTC()
		}
	}
	return models.UTCNow()
}
