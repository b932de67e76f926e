package dex

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"hash/adler32"
)

// ComputeChecksum returns the Adler-32 of everything after the
// checksum field.
func ComputeChecksum(image []byte) uint32 {
	return adler32.Checksum(image[ChecksumStart:])
}

// ComputeSignature returns the SHA-1 of everything after the
// signature field.
func ComputeSignature(image []byte) [20]byte {
	return sha1.Sum(image[SignatureStart:])
}

// UpdateHeaderChecksums recomputes signature and checksum in place.
// The signature goes first since the checksum covers it.
func UpdateHeaderChecksums(image []byte) {
	if len(image) < HeaderSize {
		return
	}
	sig := ComputeSignature(image)
	copy(image[SignatureOffset:SignatureStart], sig[:])
	binary.LittleEndian.PutUint32(image[ChecksumOffset:], ComputeChecksum(image))
}

// VerifyChecksums reports whether both header fields match the content.
func VerifyChecksums(image []byte) bool {
	if len(image) < HeaderSize {
		return false
	}
	sig := ComputeSignature(image)
	return binary.LittleEndian.Uint32(image[ChecksumOffset:]) == ComputeChecksum(image) &&
		bytes.Equal(image[SignatureOffset:SignatureStart], sig[:])
}
