// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package fingerprint

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/unicode/norm"
)

// Every normaliser in this file is total: it never panics on malformed
// input and reports absence through its second return value instead of
// relying on zero values.

var (
	isoDatePrefix = regexp.MustCompile(`^(\d{4})-(\d{1,2})-(\d{1,2})`)
	usDate        = regexp.MustCompile(`^(\d{1,2})[/-](\d{1,2})[/-](\d{4}|\d{2})(?:\D|$)`)
	nonDigits     = regexp.MustCompile(`\D+`)
	nonAlnum      = regexp.MustCompile(`[^A-Za-z0-9]+`)
	numberNoise   = regexp.MustCompile(`[^0-9,.\-]+`)
)

// rawString coerces a scalar JSON value into its textual form.
func rawString(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		return x, true
	case json.Number:
		return x.String(), true
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return "", false
		}
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case float32:
		return rawString(float64(x))
	case int:
		return strconv.Itoa(x), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case int32:
		return strconv.FormatInt(int64(x), 10), true
	case fmt.Stringer:
		return x.String(), true
	default:
		return "", false
	}
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// NormalizeString trims, NFC-normalises, collapses internal whitespace and
// lowercases a free-text value.
func NormalizeString(v any) (string, bool) {
	s, ok := rawString(v)
	if !ok {
		return "", false
	}
	s = strings.ToLower(collapseSpace(norm.NFC.String(s)))
	if s == "" {
		return "", false
	}
	return s, true
}

// NormalizeUpper is NormalizeString for codes such as state abbreviations.
func NormalizeUpper(v any) (string, bool) {
	s, ok := NormalizeString(v)
	if !ok {
		return "", false
	}
	return strings.ToUpper(s), true
}

// NormalizeEmail lowercases an address and strips a mailto: prefix.
func NormalizeEmail(v any) (string, bool) {
	s, ok := NormalizeString(v)
	if !ok {
		return "", false
	}
	s = strings.TrimPrefix(s, "mailto:")
	s = strings.Trim(s, "<> ")
	if !strings.Contains(s, "@") || strings.ContainsAny(s, " ") {
		return "", false
	}
	return s, true
}

// NormalizeZip keeps the five-digit US ZIP; anything with letters is
// treated as a postal code and kept uppercase without separators.
func NormalizeZip(v any) (string, bool) {
	s, ok := rawString(v)
	if !ok {
		return "", false
	}
	s = strings.TrimSpace(s)
	if strings.IndexFunc(s, func(r rune) bool { return r >= 'A' && r <= 'Z' || r >= 'a' && r <= 'z' }) >= 0 {
		code := strings.ToUpper(nonAlnum.ReplaceAllString(s, ""))
		if len(code) < 3 {
			return "", false
		}
		return code, true
	}
	digits := nonDigits.ReplaceAllString(s, "")
	if len(digits) < 5 {
		return "", false
	}
	return digits[:5], true
}

// NormalizeMC reduces an MC/docket number to its significant digits.
func NormalizeMC(v any) (string, bool) {
	s, ok := rawString(v)
	if !ok {
		return "", false
	}
	digits := strings.TrimLeft(nonDigits.ReplaceAllString(s, ""), "0")
	if digits == "" {
		return "", false
	}
	return digits, true
}

// NormalizeNumber rounds a numeric value to two decimals and renders it as
// a fixed-point string. Strings may use either comma or period as the
// decimal separator ("1,234.50", "1.234,50", "1234,5") and may carry
// currency or unit noise ("$2,500", "42000 lbs").
func NormalizeNumber(v any) (string, bool) {
	var d decimal.Decimal
	switch x := v.(type) {
	case nil, bool:
		return "", false
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return "", false
		}
		d = decimal.NewFromFloat(x)
	case float32:
		return NormalizeNumber(float64(x))
	case int:
		d = decimal.NewFromInt(int64(x))
	case int64:
		d = decimal.NewFromInt(x)
	case int32:
		d = decimal.NewFromInt(int64(x))
	default:
		s, ok := rawString(v)
		if !ok {
			return "", false
		}
		cleaned, ok := cleanNumeric(s)
		if !ok {
			return "", false
		}
		parsed, err := decimal.NewFromString(cleaned)
		if err != nil {
			return "", false
		}
		d = parsed
	}
	return d.Round(2).StringFixed(2), true
}

// cleanNumeric resolves locale separators into a plain decimal literal.
func cleanNumeric(s string) (string, bool) {
	s = numberNoise.ReplaceAllString(strings.TrimSpace(s), "")
	if s == "" {
		return "", false
	}

	negative := strings.HasPrefix(s, "-")
	s = strings.ReplaceAll(s, "-", "")

	lastComma := strings.LastIndex(s, ",")
	lastDot := strings.LastIndex(s, ".")

	switch {
	case lastComma >= 0 && lastDot >= 0:
		// Whichever separator comes last is the decimal point.
		if lastComma > lastDot {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastComma >= 0:
		frac := len(s) - lastComma - 1
		if strings.Count(s, ",") == 1 && frac > 0 && frac <= 2 {
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case strings.Count(s, ".") > 1:
		s = strings.ReplaceAll(s, ".", "")
	}

	if s == "" || s == "." {
		return "", false
	}
	if negative {
		s = "-" + s
	}
	return s, true
}

// NormalizeInt accepts only values that are whole numbers.
func NormalizeInt(v any) (int64, bool) {
	switch x := v.(type) {
	case nil, bool:
		return 0, false
	case int:
		return int64(x), true
	case int64:
		return x, true
	case int32:
		return int64(x), true
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) || x != math.Trunc(x) || math.Abs(x) > 1e18 {
			return 0, false
		}
		return int64(x), true
	case float32:
		return NormalizeInt(float64(x))
	}

	s, ok := rawString(v)
	if !ok {
		return 0, false
	}
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	s = strings.ReplaceAll(s, " ", "")
	if s == "" {
		return 0, false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, true
	}
	d, err := decimal.NewFromString(s)
	if err != nil || !d.Equal(d.Truncate(0)) || !d.Truncate(0).BigInt().IsInt64() {
		return 0, false
	}
	return d.IntPart(), true
}

// NormalizeDate accepts MM/DD/YY, MM/DD/YYYY (either separator) and any
// string starting with an ISO calendar date, and always emits YYYY-MM-DD.
// Impossible calendar dates are reported absent rather than rolled over.
func NormalizeDate(v any) (string, bool) {
	if t, ok := v.(time.Time); ok {
		if t.IsZero() {
			return "", false
		}
		return t.Format("2006-01-02"), true
	}

	s, ok := v.(string)
	if !ok {
		return "", false
	}
	s = strings.TrimSpace(s)

	var year, month, day int
	if m := isoDatePrefix.FindStringSubmatch(s); m != nil {
		year, _ = strconv.Atoi(m[1])
		month, _ = strconv.Atoi(m[2])
		day, _ = strconv.Atoi(m[3])
	} else if m := usDate.FindStringSubmatch(s); m != nil {
		month, _ = strconv.Atoi(m[1])
		day, _ = strconv.Atoi(m[2])
		year, _ = strconv.Atoi(m[3])
		if len(m[3]) == 2 {
			year += 2000
		}
	} else {
		return "", false
	}

	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if t.Year() != year || int(t.Month()) != month || t.Day() != day {
		return "", false
	}
	return t.Format("2006-01-02"), true
}

// NormalizeBool accepts true/yes/y/1 and false/no/n/0; numbers are truthy
// when non-zero.
func NormalizeBool(v any) (bool, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case float64:
		if math.IsNaN(x) {
			return false, false
		}
		return x != 0, true
	case int:
		return x != 0, true
	case int64:
		return x != 0, true
	}

	s, ok := rawString(v)
	if !ok {
		return false, false
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "y", "1", "t":
		return true, true
	case "false", "no", "n", "0", "f":
		return false, true
	}
	if d, err := decimal.NewFromString(strings.TrimSpace(s)); err == nil {
		return !d.IsZero(), true
	}
	return false, false
}

// NormalizeStops orders stops by their declared sequence (falling back to
// list position) and re-indexes them 1..n. Stops with no usable fields are
// dropped.
func NormalizeStops(v any) ([]any, bool) {
	var raw []map[string]any
	switch x := v.(type) {
	case []any:
		for _, item := range x {
			if m, ok := item.(map[string]any); ok {
				raw = append(raw, m)
			}
		}
	case []map[string]any:
		raw = x
	default:
		return nil, false
	}

	type indexed struct {
		stop map[string]any
		key  int64
	}

	var stops []indexed
	for i, m := range raw {
		stop := make(map[string]any)
		if s, ok := NormalizeString(m["city"]); ok {
			stop["city"] = s
		}
		if s, ok := NormalizeUpper(m["state"]); ok {
			stop["state"] = s
		}
		if s, ok := NormalizeZip(m["zip"]); ok {
			stop["zip"] = s
		}
		if s, ok := NormalizeString(m["type"]); ok {
			stop["type"] = s
		}
		if s, ok := NormalizeDate(m["date"]); ok {
			stop["date"] = s
		}
		if len(stop) == 0 {
			continue
		}

		key := int64(math.MaxInt32) + int64(i)
		for _, name := range []string{"sequence", "seq", "stop_number"} {
			if n, ok := NormalizeInt(m[name]); ok {
				key = n
				break
			}
		}
		stops = append(stops, indexed{stop: stop, key: key})
	}

	if len(stops) == 0 {
		return nil, false
	}

	sort.SliceStable(stops, func(i, j int) bool { return stops[i].key < stops[j].key })

	out := make([]any, len(stops))
	for i, s := range stops {
		s.stop["sequence"] = int64(i + 1)
		out[i] = s.stop
	}
	return out, true
}
