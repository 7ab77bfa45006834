package session

import (
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/talkincode/whatsgate/internal/waproto"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Encode serializes an auth state to its stored text form. Binary key
// material is embedded as marker objects (see waproto.Blob), so the
// encoding is lossless for arbitrary bytes.
func Encode(state *waproto.AuthState) (string, error) {
	if state == nil {
		return "", errors.New("session: nil auth state")
	}
	data, err := json.Marshal(state)
	if err != nil {
		return "", errors.Wrap(err, "session: encode failed")
	}
	return string(data), nil
}

// Decode parses the stored text form back into an auth state. Any parse
// failure is reported as ErrMalformed; callers treat the session as
// absent.
func Decode(text string) (*waproto.AuthState, error) {
	var state waproto.AuthState
	if err := json.Unmarshal([]byte(text), &state); err != nil {
		return nil, errors.Wrapf(ErrMalformed, "session: %v", err)
	}
	return &state, nil
}
