// Package envelope encrypts command batches under a shared key and carries
// them inside tag-delimited fragments of an HTTP response body.
package envelope

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/nuetzliches/remoteaccess/internal/command"
)

// ErrDecode covers every way a ciphertext can fail to become a batch.
var ErrDecode = errors.New("unable to decrypt and decode commands")

const payloadVersion = 1

// payload is the plaintext inside the cipher.
type payload struct {
	Version  int             `cbor:"v"`
	Commands []command.Entry `cbor:"commands"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("envelope: CBOR encoder initialization failed: " + err.Error())
	}

	// Unknown fields are rejected so that a plaintext produced under the
	// wrong key cannot slip through as an empty or partial batch.
	decMode, err = cbor.DecOptions{
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic("envelope: CBOR decoder initialization failed: " + err.Error())
	}
}

// Codec turns batches into ciphertext text and back.
type Codec struct {
	Scheme Scheme
}

func NewCodec(scheme Scheme) Codec {
	return Codec{Scheme: scheme}
}

// Encode serializes and encrypts batch under rawKey. Commands are sent as
// they are, so a reply can carry a command that failed validation.
func (c Codec) Encode(batch *command.Batch, rawKey string) (string, error) {
	if rawKey == "" {
		return "", errors.New("empty key")
	}
	entries := batch.Entries()
	for i, e := range entries {
		if e.Command == nil {
			return "", fmt.Errorf("encode entries[%d]: %w: no command", i, command.ErrInvalidCommand)
		}
	}
	plain, err := encMode.Marshal(payload{Version: payloadVersion, Commands: entries})
	if err != nil {
		return "", fmt.Errorf("encode commands: %w", err)
	}
	return seal(c.Scheme, rawKey, plain)
}

// Decode decrypts and deserializes ciphertext. All failures wrap ErrDecode.
func (c Codec) Decode(ciphertext, rawKey string) (*command.Batch, error) {
	if rawKey == "" {
		return nil, fmt.Errorf("%w: empty key", ErrDecode)
	}
	plain, err := open(c.Scheme, rawKey, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	var p payload
	if err := decMode.Unmarshal(plain, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if p.Version != payloadVersion {
		return nil, fmt.Errorf("%w: payload version %d", ErrDecode, p.Version)
	}
	batch, err := command.FromEntries(p.Commands)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return batch, nil
}
