package frame

import "sort"

// SettingID identifies a SETTINGS parameter.
type SettingID uint16

// SETTINGS parameter ids per RFC 7540 §6.5.2
const (
	SettingHeaderTableSize      SettingID = 0x1
	SettingEnablePush           SettingID = 0x2
	SettingMaxConcurrentStreams SettingID = 0x3
	SettingInitialWindowSize    SettingID = 0x4
	SettingMaxFrameSize         SettingID = 0x5
	SettingMaxHeaderListSize    SettingID = 0x6
)

// Defaults per RFC 7540 §6.5.2 and §11.3
const (
	DefaultHeaderTableSize   = 4096
	DefaultInitialWindowSize = 65535
	DefaultMaxFrameSize      = 16384
	MinMaxFrameSize          = 16384
	MaxMaxFrameSize          = 1<<24 - 1
	MaxWindowSize            = 1<<31 - 1
)

var settingNames = map[SettingID]string{
	SettingHeaderTableSize:      "HEADER_TABLE_SIZE",
	SettingEnablePush:           "ENABLE_PUSH",
	SettingMaxConcurrentStreams: "MAX_CONCURRENT_STREAMS",
	SettingInitialWindowSize:    "INITIAL_WINDOW_SIZE",
	SettingMaxFrameSize:         "MAX_FRAME_SIZE",
	SettingMaxHeaderListSize:    "MAX_HEADER_LIST_SIZE",
}

func (id SettingID) String() string {
	if name, ok := settingNames[id]; ok {
		return name
	}
	return "UNKNOWN_SETTING"
}

// Settings is a decoded SETTINGS payload. Unrecognized ids pass through.
type Settings map[SettingID]uint32

// Get returns the value for id, falling back to the RFC default.
func (s Settings) Get(id SettingID) uint32 {
	if v, ok := s[id]; ok {
		return v
	}
	switch id {
	case SettingHeaderTableSize:
		return DefaultHeaderTableSize
	case SettingEnablePush:
		return 1
	case SettingInitialWindowSize:
		return DefaultInitialWindowSize
	case SettingMaxFrameSize:
		return DefaultMaxFrameSize
	default:
		return 0
	}
}

// validateSetting applies the per-field checks of RFC 7540 §6.5.2. The role
// matters only for ENABLE_PUSH: a client never allows the peer to enable push.
func validateSetting(id SettingID, v uint32, client bool) *Error {
	switch id {
	case SettingEnablePush:
		if v > 1 {
			return ProtocolError("ENABLE_PUSH must be 0 or 1, got %d", v)
		}
		if client && v == 1 {
			return ProtocolError("server cannot enable push")
		}
	case SettingInitialWindowSize:
		if v > MaxWindowSize {
			return FlowControlError("INITIAL_WINDOW_SIZE %d exceeds 2^31-1", v)
		}
	case SettingMaxFrameSize:
		if v < MinMaxFrameSize || v > MaxMaxFrameSize {
			return ProtocolError("MAX_FRAME_SIZE %d outside [16384, 2^24)", v)
		}
	}
	return nil
}

// DecodeSettings parses a SETTINGS payload into a map, validating each
// recognized field. client selects the receive-side ENABLE_PUSH rule.
func DecodeSettings(payload []byte, client bool) (Settings, *Error) {
	if len(payload)%6 != 0 {
		return nil, FrameSizeError("SETTINGS payload length %d not a multiple of 6", len(payload))
	}
	s := make(Settings, len(payload)/6)
	for off := 0; off < len(payload); off += 6 {
		id := SettingID(Uint16(payload[off:]))
		v := Uint32(payload[off+2:])
		if err := validateSetting(id, v, client); err != nil {
			return nil, err
		}
		s[id] = v
	}
	return s, nil
}

// EncodeSettings renders s as a wire payload in canonical (ascending id)
// order, so that encode/decode round-trips byte-for-byte.
func EncodeSettings(s Settings) []byte {
	ids := make([]SettingID, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	payload := make([]byte, 0, 6*len(ids))
	for _, id := range ids {
		payload = PutUint16(payload, uint16(id))
		payload = PutUint32(payload, s[id])
	}
	return payload
}
