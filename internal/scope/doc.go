// Package scope turns a company code into the keys of a business scope
// and finds the owner of that scope on the relay network.
//
// A company code is 12 Base58 characters, shown as XXXX-XXXX-XXXX. It is
// stretched with Argon2id into a seed from which HKDF derives:
//   - a secp256k1 signing key whose x-only public key is the scope topic
//   - the record cipher secret
//   - the key-tag MAC key that hides record keys from relays
//
// Derivation is deterministic and needs no network, so every device that
// knows the code ends up in the same scope. The code itself never leaves
// the device.
package scope
