package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
)

// maxLine bounds a single NDJSON line. Export tools emit one document per
// line and documents with telemetry arrays can get large.
const maxLine = 1024 * 1024

// parseRecordJSON parses a single JSON object line into a Record.
func parseRecordJSON(data []byte, kind Kind) (Record, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Record{}, err
	}
	fields := make(map[string]string, len(raw))
	flatten("", raw, fields)
	return Record{Kind: kind, Fields: fields}, nil
}

// flatten copies scalar values into out under dotted keys. Extended JSON
// wrappers such as {"$date": ...} or {"$oid": ...} collapse onto their
// parent key.
func flatten(prefix string, m map[string]interface{}, out map[string]string) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch val := v.(type) {
		case nil:
		case string:
			out[key] = val
		case float64:
			out[key] = strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			out[key] = strconv.FormatBool(val)
		case map[string]interface{}:
			if w, ok := unwrapExtended(val); ok {
				out[key] = w
				continue
			}
			flatten(key, val, out)
		case []interface{}:
			// Multi-value fields keep their first element.
			if len(val) > 0 {
				flatten("", map[string]interface{}{key: val[0]}, out)
			}
		default:
			out[key] = fmt.Sprintf("%v", v)
		}
	}
}

func unwrapExtended(m map[string]interface{}) (string, bool) {
	if len(m) != 1 {
		return "", false
	}
	for k, v := range m {
		if !strings.HasPrefix(k, "$") {
			return "", false
		}
		switch val := v.(type) {
		case string:
			return val, true
		case float64:
			return strconv.FormatFloat(val, 'f', -1, 64), true
		case map[string]interface{}:
			// {"$date": {"$numberLong": "1700000000000"}}
			return unwrapExtended(val)
		}
	}
	return "", false
}

// scan reads NDJSON lines from r and forwards parsed records until r is
// exhausted or ctx is done. Blank lines are ignored and malformed lines are
// logged and skipped.
func scan(ctx context.Context, r io.Reader, kind Kind, ch chan<- Record, logger *slog.Logger) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)

	line := 0
	for scanner.Scan() {
		line++
		data := scanner.Bytes()
		if len(strings.TrimSpace(string(data))) == 0 {
			continue
		}
		rec, err := parseRecordJSON(data, kind)
		if err != nil {
			logger.Debug("skipping unparseable record line", "line", line, "error", err)
			continue
		}
		rec.Line = line

		select {
		case ch <- rec:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return scanner.Err()
}
