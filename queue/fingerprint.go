package queue

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"sort"
	"strconv"

	"github.com/teranos/conveyor/errors"
)

// Fingerprint produces a canonical, stable SHA-256 digest of a JSON input.
// Two semantically equal inputs hash identically regardless of key order,
// whitespace, or numeric spelling.
//
// Canonicalization rules:
//   - object keys sorted lexicographically
//   - keys whose values are null are elided
//   - numbers normalized (1, 1.0 and 1e0 agree)
//   - no insignificant whitespace
//
// Pure and deterministic across processes.
func Fingerprint(input json.RawMessage) (string, error) {
	canonical, err := canonicalize(input)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func canonicalize(input json.RawMessage) ([]byte, error) {
	if len(input) == 0 {
		input = json.RawMessage("null")
	}

	dec := json.NewDecoder(bytes.NewReader(input))
	dec.UseNumber()
	var value interface{}
	if err := dec.Decode(&value); err != nil {
		return nil, errors.Wrap(err, "failed to decode input as JSON")
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, value); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, value interface{}) error {
	switch v := value.(type) {
	case nil:
		buf.WriteString("null")

	case bool:
		if v {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}

	case json.Number:
		buf.WriteString(canonicalNumber(v))

	case string:
		encoded, err := json.Marshal(v)
		if err != nil {
			return errors.Wrap(err, "failed to encode string")
		}
		buf.Write(encoded)

	case []interface{}:
		buf.WriteByte('[')
		for i, item := range v {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')

	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for k := range v {
			// Absent-key elision: a null value and a missing key agree
			if v[k] == nil {
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			encodedKey, err := json.Marshal(k)
			if err != nil {
				return errors.Wrap(err, "failed to encode key")
			}
			buf.Write(encodedKey)
			buf.WriteByte(':')
			if err := writeCanonical(buf, v[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')

	default:
		return errors.Newf("unsupported JSON value type %T", value)
	}
	return nil
}

// canonicalNumber renders a JSON number in its shortest decimal form so
// that 1, 1.0 and 1e0 hash identically.
func canonicalNumber(n json.Number) string {
	if i, err := n.Int64(); err == nil {
		return strconv.FormatInt(i, 10)
	}
	f, err := n.Float64()
	if err != nil {
		// Out-of-range literal; fall back to the raw spelling
		return n.String()
	}
	// Integral values spell as integers so that 1000000 and 1e6 agree
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}
