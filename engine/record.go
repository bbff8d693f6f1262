package engine

import (
	"fmt"
	"strings"

	"github.com/franksops/hdfsconn/errdefs"
)

// RecordKind distinguishes data records from stream markers.
type RecordKind int

const (
	// KindText carries one line of text in Record.Text.
	KindText RecordKind = iota
	// KindBinary carries raw bytes in Record.Data.
	KindBinary
	// KindWindow marks the end of a group of records, e.g. one input file.
	KindWindow
	// KindFinal marks the end of the stream.
	KindFinal
	// KindError reports a per-item failure in Record.Err.
	KindError
)

func (k RecordKind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindBinary:
		return "binary"
	case KindWindow:
		return "window"
	case KindFinal:
		return "final"
	case KindError:
		return "error"
	}
	return fmt.Sprintf("RecordKind(%d)", int(k))
}

// Record is the unit flowing from the reader to the writer. Path names the
// file a record was read from, when known.
type Record struct {
	Kind RecordKind
	Path string
	Text string
	Data []byte
	Err  error
}

// TextRecord returns a text data record.
func TextRecord(line string) Record { return Record{Kind: KindText, Text: line} }

// BinaryRecord returns a binary data record.
func BinaryRecord(data []byte) Record { return Record{Kind: KindBinary, Data: data} }

// WindowMarker returns a window punctuation.
func WindowMarker() Record { return Record{Kind: KindWindow} }

// FinalMarker returns a final punctuation.
func FinalMarker() Record { return Record{Kind: KindFinal} }

// IsPunctuation reports whether r is a window or final marker.
func (r Record) IsPunctuation() bool {
	return r.Kind == KindWindow || r.Kind == KindFinal
}

// FileInfo is emitted by the Writer once for every file it closes.
type FileInfo struct {
	FileName string
	FileSize uint64
}

// Format selects text or binary handling in the reader and writer.
type Format int

const (
	FormatText Format = iota
	FormatBinary
)

func (f Format) String() string {
	if f == FormatBinary {
		return "binary"
	}
	return "text"
}

// ParseFormat accepts "text" (or "line", the default) and "binary" (or "blob").
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "text", "line":
		return FormatText, nil
	case "binary", "blob":
		return FormatBinary, nil
	}
	return 0, errdefs.Config("format", "unsupported format %q", s)
}
