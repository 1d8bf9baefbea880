package asm

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// DomainAssembly is the domain prefix for assembly content hashes.
// Version suffix enables future algorithm migration.
const DomainAssembly = "chainboot/assembly/v1"

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Hash computes the content hash of a over its canonical container bytes.
// Two assemblies hash equal exactly when Save would write identical files.
func Hash(a *Assembly) (string, error) {
	data, err := Marshal(a)
	if err != nil {
		return "", fmt.Errorf("Hash: %w", err)
	}
	return hashWithDomain(DomainAssembly, data), nil
}

// MustHash is like Hash but panics on error.
// Use only in tests or when a is known to be valid.
func MustHash(a *Assembly) string {
	h, err := Hash(a)
	if err != nil {
		panic(err)
	}
	return h
}
