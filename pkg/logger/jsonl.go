package logger

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/hai0ri/WEBXR-To-OSC/pkg/diag"
)

// JSONLWriter appends one JSON object per diagnostics snapshot.
type JSONLWriter struct {
	enc *json.Encoder
}

type deviceRecord struct {
	Received   uint64 `json:"received"`
	Forwarded  uint64 `json:"forwarded"`
	Dropped    uint64 `json:"dropped"`
	Invalid    uint64 `json:"invalid"`
	SendErrors uint64 `json:"send_errors"`
}

type jsonRecord struct {
	TS          string                  `json:"ts"`
	Connections int64                   `json:"connections"`
	Rejected    uint64                  `json:"rejected"`
	Oversized   uint64                  `json:"oversized"`
	Devices     map[string]deviceRecord `json:"devices"`
}

func NewJSONLWriter(w io.Writer) *JSONLWriter {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &JSONLWriter{enc: enc}
}

func (j *JSONLWriter) Write(snap diag.Snapshot) error {
	rec := jsonRecord{
		TS:          snap.Time.UTC().Format(time.RFC3339Nano),
		Connections: snap.Connections,
		Rejected:    snap.Rejected,
		Oversized:   snap.Oversized,
		Devices:     make(map[string]deviceRecord, len(snap.Devices)),
	}
	for name, d := range snap.Devices {
		rec.Devices[name] = deviceRecord(d)
	}
	return j.enc.Encode(rec)
}

// Consume writes snapshots until ctx is cancelled or in is closed.
func (j *JSONLWriter) Consume(ctx context.Context, in <-chan diag.Snapshot) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-in:
			if !ok {
				return
			}
			_ = j.Write(snap)
		}
	}
}
