// Package computation holds the domain model of confidential computations:
// circuit definitions and their operand layouts, the opaque ciphertext wire
// types, queued requests with their state machine, and the events emitted
// when a request resolves.
//
// Nothing in this package decrypts. Ciphertexts and nonces are fixed-width
// byte arrays that are only transported and compared.
package computation
