package store

import (
	"strconv"
	"strings"
)

const captureFlagPrefix = "capture_"

// Kind classifies a store key.
type Kind int

const (
	KindUnknown Kind = iota
	KindVolume
	KindCaptureFlag
)

func (k Kind) String() string {
	switch k {
	case KindVolume:
		return "volume"
	case KindCaptureFlag:
		return "capture"
	default:
		return "unknown"
	}
}

// Key is a parsed store key. Keys are kept as plain strings on disk and
// classified when read.
type Key struct {
	Kind  Kind
	TabID int
}

// VolumeKey is the key holding a tab's gain percent.
func VolumeKey(tabID int) string { return strconv.Itoa(tabID) }

// CaptureFlagKey is the key marking a tab as captured.
func CaptureFlagKey(tabID int) string { return captureFlagPrefix + strconv.Itoa(tabID) }

// ParseKey classifies raw. Only canonical non-negative decimal tab IDs are
// accepted, so "07" and "capture_+7" are unknown.
func ParseKey(raw string) (Key, bool) {
	if rest, ok := strings.CutPrefix(raw, captureFlagPrefix); ok {
		if id, ok := parseTabID(rest); ok {
			return Key{Kind: KindCaptureFlag, TabID: id}, true
		}
		return Key{}, false
	}
	if id, ok := parseTabID(raw); ok {
		return Key{Kind: KindVolume, TabID: id}, true
	}
	return Key{}, false
}

func (k Key) String() string {
	switch k.Kind {
	case KindVolume:
		return VolumeKey(k.TabID)
	case KindCaptureFlag:
		return CaptureFlagKey(k.TabID)
	default:
		return ""
	}
}

func parseTabID(s string) (int, bool) {
	if s == "" || s[0] < '0' || s[0] > '9' {
		return 0, false
	}
	id, err := strconv.Atoi(s)
	if err != nil || strconv.Itoa(id) != s {
		return 0, false
	}
	return id, true
}
