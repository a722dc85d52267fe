package crdtlog

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FileInfo is the identity encoded in a log filename.
type FileInfo struct {
	// Profile is the user profile that wrote the log. Legacy two-field
	// filenames map to LegacyProfile.
	Profile string

	// InstanceID is the writing instance.
	InstanceID string

	// CreatedAt is the file creation time encoded in the name.
	CreatedAt time.Time
}

// Filename returns the canonical log filename for an instance:
// {profile}.{instance}.{unixMillis}.crdtlog.
func Filename(profile, instanceID string, createdAt time.Time) string {
	return fmt.Sprintf("%s.%s.%d%s", profile, instanceID, createdAt.UnixMilli(), Ext)
}

// filenameMatcher attempts to parse one filename convention.
type filenameMatcher func(stem string) (FileInfo, bool)

// matchers is the ordered fallback chain of filename conventions. The
// canonical dot-delimited form is tried first; older underscore-delimited
// forms are only consulted when it does not match, which keeps parsing
// unambiguous.
var matchers = []filenameMatcher{
	matchDotted,
	matchUnderscore,
	matchTwoField,
}

// ParseFilename parses a log filename in any supported convention.
//
// Writers always emit the canonical {profile}.{instance}.{timestamp} form;
// readers additionally accept {profile}_{instance}_{timestamp} and the
// still-older {instance}_{timestamp} form, whose logs belong to
// LegacyProfile.
func ParseFilename(name string) (FileInfo, error) {
	if !strings.HasSuffix(name, Ext) {
		return FileInfo{}, fmt.Errorf("not a log filename: %s", name)
	}
	stem := strings.TrimSuffix(name, Ext)

	for _, match := range matchers {
		if fi, ok := match(stem); ok {
			return fi, nil
		}
	}
	return FileInfo{}, fmt.Errorf("unrecognized log filename: %s", name)
}

func matchDotted(stem string) (FileInfo, bool) {
	parts := strings.Split(stem, ".")
	if len(parts) != 3 {
		return FileInfo{}, false
	}
	return makeInfo(parts[0], parts[1], parts[2])
}

func matchUnderscore(stem string) (FileInfo, bool) {
	parts := strings.Split(stem, "_")
	if len(parts) != 3 {
		return FileInfo{}, false
	}
	return makeInfo(parts[0], parts[1], parts[2])
}

func matchTwoField(stem string) (FileInfo, bool) {
	parts := strings.Split(stem, "_")
	if len(parts) != 2 {
		return FileInfo{}, false
	}
	return makeInfo(LegacyProfile, parts[0], parts[1])
}

func makeInfo(profile, instanceID, ts string) (FileInfo, bool) {
	if profile == "" || instanceID == "" {
		return FileInfo{}, false
	}
	millis, err := strconv.ParseInt(ts, 10, 64)
	if err != nil || millis < 0 {
		return FileInfo{}, false
	}
	return FileInfo{
		Profile:    profile,
		InstanceID: instanceID,
		CreatedAt:  time.UnixMilli(millis).UTC(),
	}, true
}
