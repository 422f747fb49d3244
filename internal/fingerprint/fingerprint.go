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

// Package fingerprint turns a loosely structured parsed load into a
// canonical, versioned identity. Identical load content posted through
// different providers produces the same fingerprint, which is what lets the
// content store collapse duplicate postings.
//
// Nothing in this package returns an error or panics outward: every
// outcome, including an unexpected failure, is reported on Result.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/loadhunt/ingestion/internal/models"
)

// DefaultVersion is the fingerprint_version embedded in v1 canonical payloads.
const DefaultVersion = 1

// Reason codes recorded when no dedup identity could be assigned.
const (
	ReasonMissingInputs      = "missing_inputs"
	ReasonException          = "exception"
	ReasonMissingOrigin      = "missing_origin_location"
	ReasonMissingDestination = "missing_destination_location"
	ReasonMissingBroker      = "missing_broker_identity"
	ReasonMissingPickupDate  = "missing_pickup_date"
)

// Options configures an Engine.
type Options struct {
	// Version is embedded in every canonical payload so that a change in
	// normalisation never collides with historical hashes.
	Version int

	// IncludeProvider adds the provider label to the canonical payload.
	// Off by default so that cross-provider duplicates dedup together.
	IncludeProvider bool
}

// Engine computes fingerprints. It holds no mutable state and is safe for
// concurrent use.
type Engine struct {
	version         int
	includeProvider bool
}

// NewEngine creates a fingerprint engine.
func NewEngine(opts Options) *Engine {
	version := opts.Version
	if version <= 0 {
		version = DefaultVersion
	}
	return &Engine{
		version:         version,
		includeProvider: opts.IncludeProvider,
	}
}

// Version returns the fingerprint version this engine stamps.
func (e *Engine) Version() int {
	return e.version
}

// Result is the outcome of a fingerprint computation.
type Result struct {
	// Fingerprint is the 64-char hex sha256 of CanonicalJSON, or "" when
	// nothing could be computed.
	Fingerprint   string
	Canonical     map[string]any
	CanonicalJSON []byte
	DedupEligible bool
	// Reason explains why the load is not dedup eligible; empty when it is.
	Reason  string
	Version int
}

// Compute canonicalises parsed and hashes it. A fingerprint is produced
// whenever at least one canonical field is present; DedupEligible is only
// set when the load carries enough identity to be deduplicated safely.
func (e *Engine) Compute(parsed *models.ParsedLoad, provider string) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("fingerprint computation panicked", "panic", fmt.Sprint(r))
			res = Result{Version: e.version, Reason: ReasonException}
		}
	}()

	res.Version = e.version
	if parsed == nil {
		res.Reason = ReasonMissingInputs
		return res
	}

	canonical := Canonicalize(parsed)
	if len(canonical) == 0 {
		res.Reason = ReasonMissingInputs
		return res
	}

	res.DedupEligible, res.Reason = IsDedupEligible(canonical)

	canonical[KeyVersion] = int64(e.version)
	if e.includeProvider {
		if p, ok := NormalizeString(provider); ok {
			canonical[KeyProvider] = p
		}
	}

	data, err := MarshalCanonical(canonical)
	if err != nil {
		slog.Error("canonical serialisation failed", "error", err)
		return Result{Version: e.version, Reason: ReasonException}
	}

	sum := sha256.Sum256(data)
	res.Fingerprint = hex.EncodeToString(sum[:])
	res.Canonical = canonical
	res.CanonicalJSON = data
	return res
}

// IsDedupEligible reports whether a canonical payload carries an origin,
// a destination, some broker identity and a pickup date. The returned
// reason names the first missing requirement.
func IsDedupEligible(canonical map[string]any) (bool, string) {
	has := func(key string) bool {
		_, ok := canonical[key]
		return ok
	}

	switch {
	case !has(KeyOriginCity) || !has(KeyOriginState):
		return false, ReasonMissingOrigin
	case !has(KeyDestinationCity) || !has(KeyDestinationState):
		return false, ReasonMissingDestination
	case !has(KeyBrokerCompany) && !has(KeyBrokerName) && !has(KeyBrokerEmail) && !has(KeyBrokerMC):
		return false, ReasonMissingBroker
	case !has(KeyPickupDate):
		return false, ReasonMissingPickupDate
	}
	return true, ""
}
