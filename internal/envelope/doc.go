// Package envelope encrypts text fields at rest.
//
// An envelope is the string hex(iv):hex(tag):hex(ciphertext) produced by
// AES-256-GCM with a fresh 12-byte nonce per call. Strings that do not have
// that shape are treated as legacy plaintext and pass through Decrypt
// unchanged. FullyDecrypt peels layers left behind by older code that
// encrypted the same value more than once.
package envelope
