package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownType is returned for message types the server does not handle.
var ErrUnknownType = errors.New("unknown message type")

// Decode parses an envelope's payload into its typed struct and validates it.
// The returned value is one of the *Payload types; callers switch on the
// concrete type, which keeps the one-message-one-handler contract while the
// compiler checks each arm.
func Decode(env Envelope) (any, error) {
	switch env.T {
	case CStart:
		var p StartPayload
		if err := unmarshal(env.D, &p); err != nil {
			return nil, err
		}
		if err := validToken(p.Token); err != nil {
			return nil, err
		}
		for _, h := range p.FileChunks {
			if err := validChunkHash(h); err != nil {
				return nil, err
			}
		}
		return &p, nil

	case CChannelTyping:
		var p ChannelTypingPayload
		if err := unmarshal(env.D, &p); err != nil {
			return nil, err
		}
		if err := validID(p.ID); err != nil {
			return nil, err
		}
		return &p, nil

	case CFileChunkOwned:
		var p FileChunkOwnedPayload
		if err := unmarshal(env.D, &p); err != nil {
			return nil, err
		}
		if err := validChunkHash(p.Hash); err != nil {
			return nil, err
		}
		return &p, nil

	case CFileChunkLost:
		var p FileChunkLostPayload
		if err := unmarshal(env.D, &p); err != nil {
			return nil, err
		}
		if err := validChunkHash(p.Hash); err != nil {
			return nil, err
		}
		return &p, nil

	case CFileChunkRequest:
		var p FileChunkRequestPayload
		if err := unmarshal(env.D, &p); err != nil {
			return nil, err
		}
		if err := validChunkHash(p.Hash); err != nil {
			return nil, err
		}
		if err := validID(p.Tag); err != nil {
			return nil, err
		}
		if err := validID(p.ChannelID); err != nil {
			return nil, err
		}
		return &p, nil

	case CFileChunkRTC:
		var p FileChunkRTCPayload
		if err := unmarshal(env.D, &p); err != nil {
			return nil, err
		}
		if err := validChunkHash(p.Hash); err != nil {
			return nil, err
		}
		if err := validID(p.Tag); err != nil {
			return nil, err
		}
		if err := validRelayData(p.Data); err != nil {
			return nil, err
		}
		return &p, nil

	case CCallStart:
		var p CallStartPayload
		if err := unmarshal(env.D, &p); err != nil {
			return nil, err
		}
		if err := validID(p.ChannelID); err != nil {
			return nil, err
		}
		return &p, nil

	case CCallStop:
		return &CallStopPayload{}, nil

	case CCallRTC:
		var p CallRTCPayload
		if err := unmarshal(env.D, &p); err != nil {
			return nil, err
		}
		if err := validID(p.UserID); err != nil {
			return nil, err
		}
		if err := validRelayData(p.Data); err != nil {
			return nil, err
		}
		return &p, nil

	case CSetAway:
		var p SetAwayPayload
		if err := unmarshal(env.D, &p); err != nil {
			return nil, err
		}
		return &p, nil
	}

	return nil, fmt.Errorf("%w: %d", ErrUnknownType, int(env.T))
}

func unmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return errors.New("missing payload")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("malformed payload: %w", err)
	}
	return nil
}

// IDs, tokens and chunk hashes are opaque to the server; validation only
// bounds their shape so junk cannot grow per-connection state unboundedly.

func validID(s string) error {
	if s == "" || len(s) > 64 {
		return fmt.Errorf("invalid id length (%d)", len(s))
	}
	return nil
}

func validToken(s string) error {
	if s == "" || len(s) > 128 {
		return errors.New("invalid token")
	}
	return nil
}

func validChunkHash(s string) error {
	if s == "" || len(s) > 128 {
		return fmt.Errorf("invalid chunk hash length (%d)", len(s))
	}
	return nil
}

func validRelayData(s string) error {
	if s == "" {
		return errors.New("missing relay data")
	}
	if base64.RawURLEncoding.DecodedLen(len(s)) > MaxRelayPayload {
		return errors.New("relay data too large")
	}
	return nil
}
