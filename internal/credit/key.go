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

package credit

import (
	"strings"
	"time"

	"github.com/loadhunt/ingestion/internal/customer"
)

// DefaultWindow is the default decision window width.
const DefaultWindow = 30 * time.Minute

// DeriveBrokerKey picks the most specific broker identity available:
// a resolved customer id, then the MC number (digits only), then the
// normalized company name. ok is false when none is usable.
func DeriveBrokerKey(customerID, mc, name string) (string, bool) {
	if id := strings.TrimSpace(customerID); id != "" {
		return "customer:" + id, true
	}
	if digits := digitsOnly(mc); digits != "" {
		return "mc:" + digits, true
	}
	if n := customer.NormalizeName(name); n != "" {
		return "name:" + n, true
	}
	return "", false
}

// WindowStart floors t to the start of its decision window in UTC.
func WindowStart(t time.Time, width time.Duration) time.Time {
	if width <= 0 {
		width = DefaultWindow
	}
	return t.UTC().Truncate(width)
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
