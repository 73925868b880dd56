package storage

import (
	"fmt"

	"github.com/jmcleod/gatewarden/internal/util"
)

const (
	// SchemePlain marks a record whose Data is stored as-is.
	SchemePlain = "plain"
	// SchemeSealed marks a record whose Data is AES-256-GCM ciphertext.
	SchemeSealed = "aes256gcm"

	recordVersion = 1
)

// Record is a stored value plus the metadata needed to decode it.
type Record struct {
	Ver    int    `json:"ver"`
	Scheme string `json:"scheme"`
	Nonce  []byte `json:"nonce,omitempty"`
	Data   []byte `json:"data"`
}

// PlainRecord wraps data without encryption.
func PlainRecord(data []byte) *Record {
	return &Record{Ver: recordVersion, Scheme: SchemePlain, Data: util.CopyBytes(data)}
}

// SealRecord encrypts plaintext under key, binding it to aad.
func SealRecord(key, plaintext, aad []byte) (*Record, error) {
	nonce, ct, err := util.Seal(key, plaintext, aad)
	if err != nil {
		return nil, err
	}
	return &Record{Ver: recordVersion, Scheme: SchemeSealed, Nonce: nonce, Data: ct}, nil
}

// OpenRecord returns the payload of rec. Sealed records need the key and
// aad they were sealed with; plain records ignore both.
func OpenRecord(key []byte, rec *Record, aad []byte) ([]byte, error) {
	if rec == nil {
		return nil, fmt.Errorf("nil record")
	}
	if rec.Ver != recordVersion {
		return nil, fmt.Errorf("unsupported record version: %d", rec.Ver)
	}
	switch rec.Scheme {
	case SchemePlain:
		return util.CopyBytes(rec.Data), nil
	case SchemeSealed:
		return util.Open(key, rec.Nonce, rec.Data, aad)
	default:
		return nil, fmt.Errorf("unsupported record scheme: %s", rec.Scheme)
	}
}

// Clone returns a deep copy of rec.
func (rec *Record) Clone() *Record {
	if rec == nil {
		return nil
	}
	return &Record{
		Ver:    rec.Ver,
		Scheme: rec.Scheme,
		Nonce:  append([]byte(nil), rec.Nonce...),
		Data:   append([]byte(nil), rec.Data...),
	}
}
