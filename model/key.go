// Package model holds the record types shared by the codec, router and
// batch executor.
package model

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // the server digests keys with RIPEMD-160
)

const (
	// DigestSize is the width of a key digest on the wire.
	DigestSize = 20

	// PartitionCount is the number of partitions per namespace.
	PartitionCount = 4096
)

// Particle types used when digesting user keys.
const (
	particleInteger byte = 1
	particleString  byte = 3
	particleBlob    byte = 4
)

// Key identifies a record. Only the digest travels on the wire; the
// namespace and set name are sent in the record sub-header.
type Key struct {
	Namespace string
	SetName   string
	UserKey   any
	Digest    [DigestSize]byte
}

// NewKey builds a key and computes its digest from the set name and user key.
// Supported user key types are string, []byte and the integer kinds.
func NewKey(namespace, setName string, userKey any) (*Key, error) {
	var (
		particle byte
		raw      []byte
	)

	switch v := userKey.(type) {
	case string:
		particle, raw = particleString, []byte(v)
	case []byte:
		particle, raw = particleBlob, v
	case int:
		particle, raw = particleInteger, int64Bytes(int64(v))
	case int32:
		particle, raw = particleInteger, int64Bytes(int64(v))
	case int64:
		particle, raw = particleInteger, int64Bytes(v)
	case uint32:
		particle, raw = particleInteger, int64Bytes(int64(v))
	default:
		return nil, fmt.Errorf("unsupported user key type %T", userKey)
	}

	h := ripemd160.New()
	h.Write([]byte(setName))
	h.Write([]byte{particle})
	h.Write(raw)

	k := &Key{Namespace: namespace, SetName: setName, UserKey: userKey}
	copy(k.Digest[:], h.Sum(nil))
	return k, nil
}

// NewKeyWithDigest builds a key from a precomputed digest.
func NewKeyWithDigest(namespace, setName string, digest []byte) (*Key, error) {
	if len(digest) != DigestSize {
		return nil, fmt.Errorf("digest must be %d bytes, got %d", DigestSize, len(digest))
	}
	k := &Key{Namespace: namespace, SetName: setName}
	copy(k.Digest[:], digest)
	return k, nil
}

// PartitionID returns the partition that owns the key.
func (k *Key) PartitionID() uint32 {
	return binary.LittleEndian.Uint32(k.Digest[0:4]) & (PartitionCount - 1)
}

// String formats the key for logs.
func (k *Key) String() string {
	return fmt.Sprintf("%s:%s:%v:%s", k.Namespace, k.SetName, k.UserKey, hex.EncodeToString(k.Digest[:]))
}

func int64Bytes(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}
