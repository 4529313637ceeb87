// Package bundle parses and validates bundle manifests. The manifest schema
// is frozen; unknown keys warn rather than fail so newer bundles stay
// installable on older systems.
package bundle

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/Masterminds/semver/v3"
)

// SchemaVersion is the only manifest schema this build accepts.
const SchemaVersion = 1

const (
	// PublisherLen is the decoded length of the publisher id.
	PublisherLen = 16
	// SignatureLen is the decoded length of the signature.
	SignatureLen = 64
)

var knownKeys = map[string]bool{
	"schema_version": true,
	"name":           true,
	"version":        true,
	"abilities":      true,
	"caps":           true,
	"min_sdk":        true,
	"publisher":      true,
	"sig":            true,
	"payload_sha256": true,
	"payload_size":   true,
}

// MissingFieldError reports a required key that is absent.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("bundle: missing field %q", e.Field)
}

// InvalidFieldError reports a key whose value fails validation.
type InvalidFieldError struct {
	Field  string
	Reason string
}

func (e *InvalidFieldError) Error() string {
	return fmt.Sprintf("bundle: invalid field %q: %s", e.Field, e.Reason)
}

// UnsupportedSchemaError reports a schema_version this build cannot parse.
type UnsupportedSchemaError struct {
	Got int64
}

func (e *UnsupportedSchemaError) Error() string {
	return fmt.Sprintf("bundle: unsupported schema_version %d", e.Got)
}

// Manifest is a validated bundle manifest.
type Manifest struct {
	SchemaVersion int64
	Name          string
	Version       *semver.Version
	Abilities     []string
	Caps          []string
	MinSDK        *semver.Version
	Publisher     [PublisherLen]byte
	Signature     [SignatureLen]byte

	// Optional payload binding.
	PayloadSHA256 []byte
	PayloadSize   uint64

	// Warnings lists unknown keys encountered during parsing.
	Warnings []string
}

type rawManifest struct {
	SchemaVersion *int64   `toml:"schema_version"`
	Name          *string  `toml:"name"`
	Version       *string  `toml:"version"`
	Abilities     []string `toml:"abilities"`
	Caps          []string `toml:"caps"`
	MinSDK        *string  `toml:"min_sdk"`
	Publisher     *string  `toml:"publisher"`
	Sig           *string  `toml:"sig"`
	PayloadSHA256 *string  `toml:"payload_sha256"`
	PayloadSize   *uint64  `toml:"payload_size"`
}

// Parse decodes and validates a TOML manifest.
func Parse(data []byte) (*Manifest, error) {
	var raw rawManifest
	meta, err := toml.Decode(string(data), &raw)
	if err != nil {
		return nil, &InvalidFieldError{Field: "toml", Reason: err.Error()}
	}

	var warnings []string
	for _, key := range meta.Keys() {
		name := key.String()
		if !strings.Contains(name, ".") && !knownKeys[name] {
			warnings = append(warnings, fmt.Sprintf("unknown key %q", name))
		}
	}

	if raw.SchemaVersion == nil {
		return nil, &MissingFieldError{Field: "schema_version"}
	}
	if *raw.SchemaVersion != SchemaVersion {
		return nil, &UnsupportedSchemaError{Got: *raw.SchemaVersion}
	}

	m := &Manifest{SchemaVersion: *raw.SchemaVersion, Warnings: warnings}

	if raw.Name == nil {
		return nil, &MissingFieldError{Field: "name"}
	}
	if err := validateName(*raw.Name); err != nil {
		return nil, err
	}
	m.Name = *raw.Name

	if raw.Version == nil {
		return nil, &MissingFieldError{Field: "version"}
	}
	if m.Version, err = semver.NewVersion(*raw.Version); err != nil {
		return nil, &InvalidFieldError{Field: "version", Reason: "not a semver version"}
	}

	if len(raw.Abilities) == 0 {
		return nil, &MissingFieldError{Field: "abilities"}
	}
	m.Abilities = raw.Abilities
	m.Caps = raw.Caps

	if raw.MinSDK == nil {
		return nil, &MissingFieldError{Field: "min_sdk"}
	}
	if m.MinSDK, err = semver.NewVersion(*raw.MinSDK); err != nil {
		return nil, &InvalidFieldError{Field: "min_sdk", Reason: "not a semver version"}
	}

	if raw.Publisher == nil {
		return nil, &MissingFieldError{Field: "publisher"}
	}
	pub, err := decodePublisher(*raw.Publisher)
	if err != nil {
		return nil, err
	}
	m.Publisher = pub

	if raw.Sig == nil {
		return nil, &MissingFieldError{Field: "sig"}
	}
	sig, err := decodeSignature(*raw.Sig)
	if err != nil {
		return nil, err
	}
	m.Signature = sig

	if raw.PayloadSHA256 != nil {
		digest, err := hex.DecodeString(*raw.PayloadSHA256)
		if err != nil || len(digest) != 32 {
			return nil, &InvalidFieldError{Field: "payload_sha256", Reason: "want 64 hex chars"}
		}
		m.PayloadSHA256 = digest
	}
	if raw.PayloadSize != nil {
		m.PayloadSize = *raw.PayloadSize
	}
	return m, nil
}

func validateName(name string) error {
	if name == "" || len(name) > 128 {
		return &InvalidFieldError{Field: "name", Reason: "empty or too long"}
	}
	for _, r := range name {
		ok := r == '.' || r == '-' || r == '_' ||
			(r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if !ok {
			return &InvalidFieldError{Field: "name", Reason: "allowed: [a-z0-9._-]"}
		}
	}
	return nil
}

// decodePublisher accepts exactly 32 lowercase hex characters.
func decodePublisher(s string) ([PublisherLen]byte, error) {
	var out [PublisherLen]byte
	if len(s) != PublisherLen*2 || s != strings.ToLower(s) {
		return out, &InvalidFieldError{Field: "publisher", Reason: "want 32 lowercase hex chars"}
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return out, &InvalidFieldError{Field: "publisher", Reason: "want 32 lowercase hex chars"}
	}
	copy(out[:], raw)
	return out, nil
}

// decodeSignature accepts 64 bytes as hex (even length) or base64.
func decodeSignature(s string) ([SignatureLen]byte, error) {
	var out [SignatureLen]byte
	if len(s)%2 == 0 {
		if raw, err := hex.DecodeString(s); err == nil {
			if len(raw) != SignatureLen {
				return out, &InvalidFieldError{Field: "sig", Reason: "want 64 bytes"}
			}
			copy(out[:], raw)
			return out, nil
		}
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil || len(raw) != SignatureLen {
		return out, &InvalidFieldError{Field: "sig", Reason: "want 64 bytes, hex or base64"}
	}
	copy(out[:], raw)
	return out, nil
}
