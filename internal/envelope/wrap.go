package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Tag delimits the envelope inside a response body.
const Tag = "sd_email_reflector_remote_access"

const (
	openTag  = "<" + Tag + ">"
	closeTag = "</" + Tag + ">"
)

var (
	ErrNotFound  = errors.New("no envelope found")
	ErrMalformed = errors.New("envelope incorrectly formed")
)

// Outer is the cleartext envelope around the ciphertext.
type Outer struct {
	Commands string `json:"commands"`
	// Key is the fingerprint of the shared key, never the key itself.
	Key    string `json:"key,omitempty"`
	ListID int64  `json:"list_id,omitempty"`
}

// Wrap renders outer between the envelope tags.
func Wrap(outer Outer) (string, error) {
	b, err := json.Marshal(outer)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	sb.Grow(len(openTag) + len(b) + len(closeTag))
	sb.WriteString(openTag)
	sb.Write(b)
	sb.WriteString(closeTag)
	return sb.String(), nil
}

// Unwrap returns what lies between the first opening tag of carrier and the
// first closing tag after it. Anything around the tags is ignored.
func Unwrap(carrier string) (string, error) {
	start := strings.Index(carrier, openTag)
	if start < 0 {
		return "", ErrNotFound
	}
	rest := carrier[start+len(openTag):]
	end := strings.Index(rest, closeTag)
	if end < 0 {
		return "", ErrNotFound
	}
	return rest[:end], nil
}

// ParseOuter decodes an unwrapped fragment.
func ParseOuter(fragment string) (Outer, error) {
	var out Outer
	dec := json.NewDecoder(strings.NewReader(strings.TrimSpace(fragment)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return Outer{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if dec.More() {
		return Outer{}, fmt.Errorf("%w: trailing data", ErrMalformed)
	}
	if out.Commands == "" {
		return Outer{}, fmt.Errorf("%w: missing commands", ErrMalformed)
	}
	return out, nil
}

// Extract is Unwrap followed by ParseOuter.
func Extract(carrier string) (Outer, error) {
	fragment, err := Unwrap(carrier)
	if err != nil {
		return Outer{}, err
	}
	return ParseOuter(fragment)
}
