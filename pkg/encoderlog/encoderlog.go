// Package encoderlog parses the Adobe Media Encoder encoding log.
//
// The log is UTF-16 text with CRLF line endings. Every successful encode
// ends with a line such as
//
//	03/14/2024 02:05:09 PM : File Successfully Encoded
//
// preceded by a block of " - Key: value" lines that starts after a blank
// line.
package encoderlog

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/encoding/unicode"

	"github.com/modoterra/mediagent/pkg/core"
)

// TimestampLayout is the layout of completion timestamps in the log.
const TimestampLayout = "01/02/2006 03:04:05 PM"

const (
	completionSuffix = " : File Successfully Encoded"
	inputPrefix      = " - Input File: "
	outputPrefix     = " - Output File: "
	presetPrefix     = " - Preset Used: "
)

// ErrBadTimestamp marks a completion line whose timestamp does not parse.
var ErrBadTimestamp = errors.New("bad completion timestamp")

// Decode converts raw log bytes to UTF-8. A byte order mark selects the
// endianness; without one the content is read as little-endian. A trailing
// odd byte, left by a write in progress, is ignored.
func Decode(raw []byte) (string, error) {
	if len(raw)%2 == 1 {
		raw = raw[:len(raw)-1]
	}
	dec := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewDecoder()
	out, err := dec.Bytes(raw)
	if err != nil {
		return "", fmt.Errorf("decode utf-16: %w", err)
	}
	return string(out), nil
}

// Parse decodes raw log content and extracts its completion records in
// file order. Completion lines with an unparseable timestamp are returned
// as parse errors and skipped.
func Parse(raw []byte) ([]core.Record, []core.ParseError, error) {
	text, err := Decode(raw)
	if err != nil {
		return nil, nil, err
	}
	records, bad := ParseText(text)
	return records, bad, nil
}

// ParseText extracts completion records from already decoded text.
func ParseText(text string) ([]core.Record, []core.ParseError) {
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}

	var (
		records []core.Record
		bad     []core.ParseError
	)
	for i, line := range lines {
		stamp, ok := strings.CutSuffix(line, completionSuffix)
		if !ok {
			continue
		}
		at, err := time.ParseInLocation(TimestampLayout, strings.TrimSpace(stamp), time.UTC)
		if err != nil {
			bad = append(bad, core.ParseError{Line: i + 1, Text: line, Err: fmt.Errorf("%w: %w", ErrBadTimestamp, err)})
			continue
		}
		rec := core.Record{CompletedAt: at}
		collect(&rec, lines[:i])
		records = append(records, rec)
	}
	return records, bad
}

// collect walks back from the end of block to the nearest blank line and
// fills in the metadata found on the way. The line closest to the
// completion wins when a key repeats.
func collect(rec *core.Record, block []string) {
	for j := len(block) - 1; j >= 0; j-- {
		line := block[j]
		if line == "" {
			return
		}
		if v, ok := strings.CutPrefix(line, inputPrefix); ok && rec.InputPath == "" {
			rec.InputPath = normalize(v)
		}
		if v, ok := strings.CutPrefix(line, outputPrefix); ok && rec.OutputPath == "" {
			rec.OutputPath = normalize(v)
		}
		if v, ok := strings.CutPrefix(line, presetPrefix); ok && rec.Preset == "" {
			rec.Preset = normalize(v)
		}
	}
}

func normalize(v string) string {
	return strings.ReplaceAll(strings.TrimSpace(v), `\`, "/")
}

// Encode renders text as little-endian UTF-16 with a byte order mark, the
// way the encoder writes its log.
func Encode(text string) ([]byte, error) {
	enc := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewEncoder()
	out, err := enc.Bytes([]byte(text))
	if err != nil {
		return nil, fmt.Errorf("encode utf-16: %w", err)
	}
	return out, nil
}
