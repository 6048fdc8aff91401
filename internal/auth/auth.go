// Package auth resolves device API keys to a Principal.
//
// Two sources exist: a static table (the shared secret from the environment
// plus an optional YAML file) and the persistent device_keys table. Chain
// tries them in that order and the first match wins.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/transitlive/tracker_core/internal/models"
	"gopkg.in/yaml.v3"
)

const (
	SourceStatic = "static"
	SourceStore  = "store"
)

// Principal is the authenticated device behind a key
type Principal struct {
	Source    string
	Label     string
	VehicleID string // empty when the key may report for any vehicle
}

// CanReport reports whether the principal may submit fixes for vehicleID
func (p *Principal) CanReport(vehicleID string) bool {
	return p.VehicleID == "" || p.VehicleID == vehicleID
}

// Resolver maps a presented key to a Principal.
// An unknown key yields (nil, nil); errors mean the source is unavailable.
type Resolver interface {
	Resolve(ctx context.Context, key string) (*Principal, error)
}

// Chain tries each resolver in order
type Chain []Resolver

func (c Chain) Resolve(ctx context.Context, key string) (*Principal, error) {
	if key == "" {
		return nil, nil
	}
	for _, r := range c {
		p, err := r.Resolve(ctx, key)
		if err != nil {
			return nil, err
		}
		if p != nil {
			return p, nil
		}
	}
	return nil, nil
}

// HashKey returns the hex sha256 of a key as stored in device_keys
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// GenerateKey creates a new device key of the form dk_<env>_<random>_<checksum>
// and returns it with its storage hash.
func GenerateKey(env string) (key, hash string, err error) {
	randomBytes := make([]byte, 32)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	randomStr := hex.EncodeToString(randomBytes)

	checksum := sha256.Sum256([]byte(randomStr))
	key = fmt.Sprintf("dk_%s_%s_%s", env, randomStr, hex.EncodeToString(checksum[:2]))
	return key, HashKey(key), nil
}

type staticEntry struct {
	hash      []byte
	label     string
	vehicleID string
}

// Static is an in-memory key table. Keys are kept hashed and compared in
// constant time.
type Static struct {
	entries []staticEntry
}

// StaticKey is one entry of the device keys file. Exactly one of Key or
// KeySHA256 is set.
type StaticKey struct {
	Label     string `yaml:"label" validate:"required"`
	Key       string `yaml:"key" validate:"required_without=KeySHA256,excluded_with=KeySHA256"`
	KeySHA256 string `yaml:"key_sha256" validate:"omitempty,len=64,hexadecimal"`
	VehicleID string `yaml:"vehicle_id"`
}

type staticFile struct {
	Keys []StaticKey `yaml:"keys" validate:"dive"`
}

// NewStatic builds a table from a shared secret and extra keys.
// An empty secret is skipped.
func NewStatic(sharedSecret string, keys ...StaticKey) *Static {
	s := &Static{}
	if sharedSecret != "" {
		s.add(StaticKey{Label: "shared-secret", Key: sharedSecret})
	}
	for _, k := range keys {
		s.add(k)
	}
	return s
}

// LoadStatic builds a table from a shared secret and, when path is not
// empty, the YAML keys file at path.
func LoadStatic(sharedSecret, path string) (*Static, error) {
	if path == "" {
		return NewStatic(sharedSecret), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read device keys file: %w", err)
	}

	var f staticFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse device keys file: %w", err)
	}
	if err := validator.New().Struct(f); err != nil {
		return nil, fmt.Errorf("invalid device keys file: %w", err)
	}

	return NewStatic(sharedSecret, f.Keys...), nil
}

func (s *Static) add(k StaticKey) {
	hash := strings.ToLower(k.KeySHA256)
	if k.Key != "" {
		hash = HashKey(k.Key)
	}
	s.entries = append(s.entries, staticEntry{
		hash:      []byte(hash),
		label:     k.Label,
		vehicleID: k.VehicleID,
	})
}

// Len returns the number of keys in the table
func (s *Static) Len() int {
	return len(s.entries)
}

func (s *Static) Resolve(_ context.Context, key string) (*Principal, error) {
	hash := []byte(HashKey(key))
	var match *staticEntry
	for i := range s.entries {
		// scan every entry so timing does not depend on the match position
		if subtle.ConstantTimeCompare(s.entries[i].hash, hash) == 1 && match == nil {
			match = &s.entries[i]
		}
	}
	if match == nil {
		return nil, nil
	}
	return &Principal{Source: SourceStatic, Label: match.label, VehicleID: match.vehicleID}, nil
}

// KeyLookup is the slice of the durable store the store resolver needs
type KeyLookup interface {
	LookupDeviceKey(ctx context.Context, keyHash string) (*models.DeviceKey, error)
}

// StoreResolver resolves keys against the device_keys table
type StoreResolver struct {
	store KeyLookup
}

func NewStoreResolver(store KeyLookup) *StoreResolver {
	return &StoreResolver{store: store}
}

func (r *StoreResolver) Resolve(ctx context.Context, key string) (*Principal, error) {
	k, err := r.store.LookupDeviceKey(ctx, HashKey(key))
	if err != nil {
		return nil, err
	}
	if k == nil || !k.Active {
		return nil, nil
	}
	return &Principal{Source: SourceStore, Label: k.Label, VehicleID: k.VehicleID}, nil
}
