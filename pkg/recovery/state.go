package recovery

import (
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// formatVersion is bumped when State changes incompatibly.
const formatVersion = 1

// State is the resumable part of a connection.
type State struct {
	ConnectionID     string    `cbor:"1,keyasint"`
	ConnectionKey    string    `cbor:"2,keyasint"`
	ConnectionSerial int64     `cbor:"3,keyasint"`
	MsgSerial        int64     `cbor:"4,keyasint"`
	SavedAt          time.Time `cbor:"5,keyasint"`
}

// Valid reports whether s carries enough to attempt a recover.
func (s *State) Valid() bool {
	return s != nil && s.ConnectionKey != ""
}

// Expired reports whether s is older than ttl at now. A zero ttl never
// expires.
func (s *State) Expired(now time.Time, ttl time.Duration) bool {
	if ttl <= 0 || s.SavedAt.IsZero() {
		return false
	}
	return now.Sub(s.SavedAt) > ttl
}

type envelope struct {
	Version int    `cbor:"1,keyasint"`
	State   *State `cbor:"2,keyasint"`
}

// ErrUnsupportedVersion is returned when decoding state written by a
// newer format.
var ErrUnsupportedVersion = errors.New("recovery: unsupported state version")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encOpts := cbor.CoreDetEncOptions()
	encOpts.Time = cbor.TimeRFC3339Nano
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic("recovery: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("recovery: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes s.
func Marshal(s *State) ([]byte, error) {
	if s == nil {
		return nil, errors.New("recovery: nil state")
	}
	return encMode.Marshal(envelope{Version: formatVersion, State: s})
}

// Unmarshal decodes data written by Marshal.
func Unmarshal(data []byte) (*State, error) {
	var env envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("recovery: decode: %w", err)
	}
	if env.Version != formatVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, env.Version)
	}
	if env.State == nil {
		return nil, errors.New("recovery: decode: missing state")
	}
	return env.State, nil
}
