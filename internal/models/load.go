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

// Package models defines the data structures shared across the ingestion service.
package models

import "time"

// ParsedLoad is the loosely-typed record produced by the upstream email
// parser. Values arrive as whatever JSON type the extractor emitted (string,
// number, bool, array, object) and are never trusted to be well formed;
// the fingerprint package owns normalisation.
//
// A ParsedLoad is produced once per inbound email and never mutated.
type ParsedLoad struct {
	OriginCity       any `json:"origin_city,omitempty"`
	OriginState      any `json:"origin_state,omitempty"`
	OriginZip        any `json:"origin_zip,omitempty"`
	DestinationCity  any `json:"destination_city,omitempty"`
	DestinationState any `json:"destination_state,omitempty"`
	DestinationZip   any `json:"destination_zip,omitempty"`

	PickupDate   any `json:"pickup_date,omitempty"`
	DeliveryDate any `json:"delivery_date,omitempty"`

	BrokerCompany any `json:"broker_company,omitempty"`
	BrokerName    any `json:"broker_name,omitempty"`
	BrokerEmail   any `json:"broker_email,omitempty"`
	BrokerPhone   any `json:"broker_phone,omitempty"`
	BrokerMC      any `json:"broker_mc,omitempty"`
	CustomerID    any `json:"customer_id,omitempty"`

	EquipmentType   any `json:"equipment_type,omitempty"`
	Weight          any `json:"weight,omitempty"`
	Length          any `json:"length,omitempty"`
	Width           any `json:"width,omitempty"`
	Height          any `json:"height,omitempty"`
	Rate            any `json:"rate,omitempty"`
	Miles           any `json:"miles,omitempty"`
	Commodity       any `json:"commodity,omitempty"`
	ReferenceNumber any `json:"reference_number,omitempty"`
	Hazmat          any `json:"hazmat,omitempty"`
	TeamRequired    any `json:"team_required,omitempty"`
	Stops           any `json:"stops,omitempty"`

	Notes any `json:"notes,omitempty"`
}

// InboundLoad is the envelope the upstream parser deposits for every
// inbound load email.
type InboundLoad struct {
	TenantID   string      `json:"tenant_id"`
	Provider   string      `json:"provider"`
	MessageID  string      `json:"message_id"`
	ReceivedAt time.Time   `json:"received_at"`
	Parsed     *ParsedLoad `json:"parsed"`
}

// CreditOutcome summarises the broker credit decision attached to a
// processed load, when a hunt matched.
type CreditOutcome struct {
	MatchID        string `json:"match_id"`
	ApprovalStatus string `json:"approval_status"`
	Role           string `json:"role"`
	BrokerKey      string `json:"broker_key"`
	Error          string `json:"error,omitempty"`
}

// ProcessedLoadEvent is published once a queue item completes.
type ProcessedLoadEvent struct {
	QueueItemID           string          `json:"queue_item_id"`
	TenantID              string          `json:"tenant_id"`
	Provider              string          `json:"provider"`
	MessageID             string          `json:"message_id"`
	ParsedLoadFingerprint string          `json:"parsed_load_fingerprint,omitempty"`
	ContentFingerprint    string          `json:"load_content_fingerprint,omitempty"`
	DedupEligible         bool            `json:"dedup_eligible"`
	FingerprintReason     string          `json:"fingerprint_reason,omitempty"`
	ReceiptCount          int64           `json:"receipt_count,omitempty"`
	Credit                []CreditOutcome `json:"credit,omitempty"`
	ProcessedAt           string          `json:"processed_at"`
}
