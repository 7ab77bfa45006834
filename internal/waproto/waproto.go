package waproto

import (
	"context"
	"encoding/base64"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

// The WhatsApp wire protocol itself (noise handshake, Signal sessions)
// is the protocol library's job. This package defines the narrow surface
// the gateway drives: dial with saved auth state, observe connection
// events, request a pairing code, send messages, snapshot auth state.

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrDeviceNotFound reports a stored session whose backing device record
// is gone; the session is stale and cannot be dialed.
var ErrDeviceNotFound = errors.New("waproto: device record not found")

// Blob is opaque binary key material. Its JSON form is a marker object
// compatible with the upstream buffer convention, so arbitrary bytes
// survive the text encoding exactly.
type Blob []byte

type blobEnvelope struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

const blobMarker = "Buffer"

func (b Blob) MarshalJSON() ([]byte, error) {
	return json.Marshal(blobEnvelope{
		Type: blobMarker,
		Data: base64.StdEncoding.EncodeToString(b),
	})
}

func (b *Blob) UnmarshalJSON(data []byte) error {
	var env blobEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	if env.Type != blobMarker {
		return errors.Errorf("waproto: unexpected blob marker %q", env.Type)
	}
	raw, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		return errors.Wrap(err, "waproto: blob decode")
	}
	*b = raw
	return nil
}

// KeyRing maps key category -> key id -> opaque record. The ring handle
// is shared between a live connection and the persisted session, so
// records written by the protocol engine are visible at snapshot time.
type KeyRing map[string]map[string]Blob

func NewKeyRing() KeyRing {
	return make(KeyRing)
}

func (k KeyRing) Get(category, id string) (Blob, bool) {
	ids, ok := k[category]
	if !ok {
		return nil, false
	}
	v, ok := ids[id]
	return v, ok
}

func (k KeyRing) Set(category, id string, value Blob) {
	ids, ok := k[category]
	if !ok {
		ids = make(map[string]Blob)
		k[category] = ids
	}
	ids[id] = value
}

func (k KeyRing) Delete(category, id string) {
	if ids, ok := k[category]; ok {
		delete(ids, id)
	}
}

// Credentials is the tenant-scoped identity record the protocol engine
// hands back. Registered flips once the device completed pairing.
type Credentials struct {
	JID            string `json:"jid"`
	Registered     bool   `json:"registered"`
	RegistrationID uint32 `json:"registration_id"`
	Platform       string `json:"platform,omitempty"`
	PushName       string `json:"push_name,omitempty"`
	NoiseKey       Blob   `json:"noise_key,omitempty"`
	IdentityKey    Blob   `json:"identity_key,omitempty"`
	AdvSecret      Blob   `json:"adv_secret,omitempty"`
}

// AuthState is the full per-tenant auth snapshot: credentials plus key
// material.
type AuthState struct {
	Creds Credentials `json:"creds"`
	Keys  KeyRing     `json:"keys"`
}

func NewAuthState() *AuthState {
	return &AuthState{Keys: NewKeyRing()}
}

// DisconnectReason classifies connection closes.
type DisconnectReason int

const (
	ReasonUnknown DisconnectReason = iota
	ReasonNetwork
	ReasonStreamReplaced
	ReasonLoggedOut
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonNetwork:
		return "network"
	case ReasonStreamReplaced:
		return "stream_replaced"
	case ReasonLoggedOut:
		return "logged_out"
	default:
		return "unknown"
	}
}

// Terminal reports whether the close invalidates the stored session.
func (r DisconnectReason) Terminal() bool {
	return r == ReasonLoggedOut
}

// Connection events delivered to the handler registered with OnEvent.
// Handlers run on the protocol engine's goroutines.
type (
	// ConnectedEvent fires when the socket is open and authenticated.
	ConnectedEvent struct{}
	// DisconnectedEvent fires when the socket closes for any reason.
	DisconnectedEvent struct {
		Reason DisconnectReason
	}
	// CredentialsEvent fires when the engine mutated credentials or key
	// material; the current state should be persisted promptly.
	CredentialsEvent struct{}
)

// Conn is a single transient protocol connection for one tenant.
type Conn interface {
	// OnEvent must be called before Connect.
	OnEvent(handler func(evt interface{}))
	Connect() error
	Disconnect()
	// Registered reports whether the credentials completed pairing.
	Registered() bool
	// RequestPairingCode asks the server for a phone-pairing code.
	RequestPairingCode(ctx context.Context, number string) (string, error)
	SendText(ctx context.Context, to string, text string) error
	SendImage(ctx context.Context, to string, image []byte, caption string) error
	// Snapshot returns the connection's current auth state for persistence.
	Snapshot() *AuthState
}

// Dialer creates connections. saved is nil for a fresh pairing.
type Dialer interface {
	Dial(ctx context.Context, number string, saved *AuthState) (Conn, error)
}
