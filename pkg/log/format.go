package log

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// TextFormatter renders entries as "ts LEVEL message k=v k=v".
type TextFormatter struct{}

// Format renders the entry as a single text line.
func (f *TextFormatter) Format(entry *Entry) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(entry.Timestamp.Format(time.RFC3339Nano))
	buf.WriteByte(' ')
	buf.WriteString(entry.Level.String())
	buf.WriteByte(' ')
	buf.WriteString(entry.Message)
	for _, fld := range entry.Fields {
		buf.WriteByte(' ')
		buf.WriteString(fld.Key)
		buf.WriteByte('=')
		fmt.Fprintf(&buf, "%v", fld.Value)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// JSONFormatter renders entries as one JSON object per line.
type JSONFormatter struct{}

// Format renders the entry as a JSON line.
func (f *JSONFormatter) Format(entry *Entry) ([]byte, error) {
	m := make(map[string]any, len(entry.Fields)+3)
	m["ts"] = entry.Timestamp.UnixMilli()
	m["level"] = entry.Level.String()
	m["msg"] = entry.Message
	for _, fld := range entry.Fields {
		if err, ok := fld.Value.(error); ok {
			m[fld.Key] = err.Error()
			continue
		}
		m[fld.Key] = fld.Value
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}
