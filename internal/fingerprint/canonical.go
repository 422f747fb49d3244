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
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/loadhunt/ingestion/internal/models"
)

// Canonical payload keys. Renaming any of these changes every fingerprint,
// so bump the engine version alongside.
const (
	KeyOriginCity       = "origin_city"
	KeyOriginState      = "origin_state"
	KeyOriginZip        = "origin_zip"
	KeyDestinationCity  = "destination_city"
	KeyDestinationState = "destination_state"
	KeyDestinationZip   = "destination_zip"
	KeyPickupDate       = "pickup_date"
	KeyDeliveryDate     = "delivery_date"
	KeyBrokerCompany    = "broker_company"
	KeyBrokerName       = "broker_name"
	KeyBrokerEmail      = "broker_email"
	KeyBrokerMC         = "broker_mc"
	KeyEquipmentType    = "equipment_type"
	KeyWeight           = "weight"
	KeyLength           = "length"
	KeyWidth            = "width"
	KeyHeight           = "height"
	KeyRate             = "rate"
	KeyMiles            = "miles"
	KeyCommodity        = "commodity"
	KeyReferenceNumber  = "reference_number"
	KeyHazmat           = "hazmat"
	KeyTeamRequired     = "team_required"
	KeyStops            = "stops"

	KeyVersion  = "fingerprint_version"
	KeyProvider = "provider"
)

type canonicalField struct {
	key       string
	get       func(*models.ParsedLoad) any
	normalize func(any) (any, bool)
}

func str(f func(any) (string, bool)) func(any) (any, bool) {
	return func(v any) (any, bool) { return f(v) }
}

func integer(v any) (any, bool) { return NormalizeInt(v) }
func boolean(v any) (any, bool) { return NormalizeBool(v) }
func stops(v any) (any, bool)   { return NormalizeStops(v) }

// canonicalFields is the fixed v1 subset of ParsedLoad that takes part in
// identity. Broker phone, customer id and free-text notes are deliberately
// left out.
var canonicalFields = []canonicalField{
	{KeyOriginCity, func(p *models.ParsedLoad) any { return p.OriginCity }, str(NormalizeString)},
	{KeyOriginState, func(p *models.ParsedLoad) any { return p.OriginState }, str(NormalizeUpper)},
	{KeyOriginZip, func(p *models.ParsedLoad) any { return p.OriginZip }, str(NormalizeZip)},
	{KeyDestinationCity, func(p *models.ParsedLoad) any { return p.DestinationCity }, str(NormalizeString)},
	{KeyDestinationState, func(p *models.ParsedLoad) any { return p.DestinationState }, str(NormalizeUpper)},
	{KeyDestinationZip, func(p *models.ParsedLoad) any { return p.DestinationZip }, str(NormalizeZip)},
	{KeyPickupDate, func(p *models.ParsedLoad) any { return p.PickupDate }, str(NormalizeDate)},
	{KeyDeliveryDate, func(p *models.ParsedLoad) any { return p.DeliveryDate }, str(NormalizeDate)},
	{KeyBrokerCompany, func(p *models.ParsedLoad) any { return p.BrokerCompany }, str(NormalizeString)},
	{KeyBrokerName, func(p *models.ParsedLoad) any { return p.BrokerName }, str(NormalizeString)},
	{KeyBrokerEmail, func(p *models.ParsedLoad) any { return p.BrokerEmail }, str(NormalizeEmail)},
	{KeyBrokerMC, func(p *models.ParsedLoad) any { return p.BrokerMC }, str(NormalizeMC)},
	{KeyEquipmentType, func(p *models.ParsedLoad) any { return p.EquipmentType }, str(NormalizeString)},
	{KeyWeight, func(p *models.ParsedLoad) any { return p.Weight }, str(NormalizeNumber)},
	{KeyLength, func(p *models.ParsedLoad) any { return p.Length }, str(NormalizeNumber)},
	{KeyWidth, func(p *models.ParsedLoad) any { return p.Width }, str(NormalizeNumber)},
	{KeyHeight, func(p *models.ParsedLoad) any { return p.Height }, str(NormalizeNumber)},
	{KeyRate, func(p *models.ParsedLoad) any { return p.Rate }, str(NormalizeNumber)},
	{KeyMiles, func(p *models.ParsedLoad) any { return p.Miles }, integer},
	{KeyCommodity, func(p *models.ParsedLoad) any { return p.Commodity }, str(NormalizeString)},
	{KeyReferenceNumber, func(p *models.ParsedLoad) any { return p.ReferenceNumber }, str(NormalizeUpper)},
	{KeyHazmat, func(p *models.ParsedLoad) any { return p.Hazmat }, boolean},
	{KeyTeamRequired, func(p *models.ParsedLoad) any { return p.TeamRequired }, boolean},
	{KeyStops, func(p *models.ParsedLoad) any { return p.Stops }, stops},
}

// Canonicalize projects a parsed load onto the canonical field set. Only
// present fields appear in the result.
func Canonicalize(parsed *models.ParsedLoad) map[string]any {
	out := make(map[string]any)
	if parsed == nil {
		return out
	}
	for _, f := range canonicalFields {
		if v, ok := f.normalize(f.get(parsed)); ok {
			out[f.key] = v
		}
	}
	return out
}

// MarshalCanonical serialises v with object keys sorted at every depth and
// without HTML escaping. Only the types the canonicaliser produces are
// accepted; floats are rejected so that numeric drift can never leak into a
// hash.
func MarshalCanonical(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch x := v.(type) {
	case nil:
		buf.WriteString("null")
	case string:
		return writeString(buf, x)
	case bool:
		if x {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case int:
		fmt.Fprintf(buf, "%d", x)
	case int64:
		fmt.Fprintf(buf, "%d", x)
	case []any:
		buf.WriteByte('[')
		for i, elem := range x {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := writeCanonical(buf, x[k]); err != nil {
				return fmt.Errorf("%q: %w", k, err)
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("unsupported canonical type %T", v)
	}
	return nil
}

func writeString(buf *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return err
	}
	buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte("\n")))
	return nil
}
