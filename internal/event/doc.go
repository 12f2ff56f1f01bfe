// Package event defines the outbound sync payloads emitted by the
// Check-and-Posting Service and their canonical wire encoding.
//
// Every payload is one variant of a closed tagged union (Payload). The
// variant determines the entity type, action and the version used for
// receiver-side deduplication, so the replay path never handles an untyped
// map.
//
// # Canonical Encoding
//
// Payloads are serialised with RFC 8785 style canonical JSON:
//   - object keys sorted by UTF-16 code units
//   - strings NFC-normalised, no HTML escaping
//   - numbers must be integers; a float anywhere is an error, which keeps
//     money in minor units all the way to the wire
//
// Dedupe keys are SHA-256 over the canonical identity tuple with domain
// separation, so redelivery of the same item is recognisable by the cloud.
package event
