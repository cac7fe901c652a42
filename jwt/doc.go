// Package jwt decodes access-token claims on the client and answers the two
// questions the session layer asks of a token: is it still usable, and is it
// about to expire.
//
// Decoding never verifies signatures. The client does not hold the server's
// keys and uses claims only to schedule refreshes; the server remains the
// authority on token validity.
//
// [Signer] issues and verifies tokens for fakes and local tooling that stand
// in for the remote API.
package jwt
