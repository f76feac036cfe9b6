// Package crypto signs and verifies repository commits.
//
// Two curves are supported, NIST P-256 (secp256r1, "ES256") and K-256 (secp256k1, "ES256K").
// Signatures are 64-byte "compact" [R | S] encodings over the SHA-256 digest of the content, and
// are always "low-S". Public keys travel as multibase strings or did:key identifiers with a
// multicodec prefix.
package crypto
