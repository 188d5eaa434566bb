// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package matrix

// RoomVersion identifies which set of event format and authorization rules
// applies to a room. The room version is fixed by the m.room.create event and
// never changes for the lifetime of the room.
type RoomVersion string

const (
	RoomVersionV6  RoomVersion = "6"
	RoomVersionV7  RoomVersion = "7"
	RoomVersionV8  RoomVersion = "8"
	RoomVersionV9  RoomVersion = "9"
	RoomVersionV10 RoomVersion = "10"
	RoomVersionV11 RoomVersion = "11"
)

// RoomVersionImpl carries the per-version behaviour switches. Only versions
// with content-addressed event IDs and state resolution v2 are supported;
// older versions used server-assigned event IDs which this server refuses at
// parse time.
type RoomVersionImpl struct {
	ver                       RoomVersion
	stable                    bool
	allowKnocking             bool
	allowRestrictedJoins      bool
	enforceIntegerPowerLevels bool
	redactionRules            redactionAlgorithm
}

var roomVersions = map[RoomVersion]RoomVersionImpl{
	RoomVersionV6: {
		ver:            RoomVersionV6,
		stable:         true,
		redactionRules: redactionRulesV6,
	},
	RoomVersionV7: {
		ver:            RoomVersionV7,
		stable:         true,
		allowKnocking:  true,
		redactionRules: redactionRulesV6,
	},
	RoomVersionV8: {
		ver:                  RoomVersionV8,
		stable:               true,
		allowKnocking:        true,
		allowRestrictedJoins: true,
		redactionRules:       redactionRulesV8,
	},
	RoomVersionV9: {
		ver:                  RoomVersionV9,
		stable:               true,
		allowKnocking:        true,
		allowRestrictedJoins: true,
		redactionRules:       redactionRulesV9,
	},
	RoomVersionV10: {
		ver:                       RoomVersionV10,
		stable:                    true,
		allowKnocking:             true,
		allowRestrictedJoins:      true,
		enforceIntegerPowerLevels: true,
		redactionRules:            redactionRulesV9,
	},
	RoomVersionV11: {
		ver:                       RoomVersionV11,
		stable:                    true,
		allowKnocking:             true,
		allowRestrictedJoins:      true,
		enforceIntegerPowerLevels: true,
		redactionRules:            redactionRulesV11,
	},
}

// GetRoomVersion returns the implementation for the given room version, or an
// UnsupportedRoomVersionError if this server cannot participate in rooms of
// that version.
func GetRoomVersion(version RoomVersion) (RoomVersionImpl, error) {
	impl, ok := roomVersions[version]
	if !ok {
		return RoomVersionImpl{}, UnsupportedRoomVersionError{Version: version}
	}
	return impl, nil
}

// RoomVersions returns all supported room versions.
func RoomVersions() map[RoomVersion]RoomVersionImpl {
	versions := make(map[RoomVersion]RoomVersionImpl, len(roomVersions))
	for v, impl := range roomVersions {
		versions[v] = impl
	}
	return versions
}

// StableRoomVersions returns the supported room versions that are marked
// stable, used to answer capability queries from the surface layers.
func StableRoomVersions() []RoomVersion {
	var versions []RoomVersion
	for v, impl := range roomVersions {
		if impl.stable {
			versions = append(versions, v)
		}
	}
	return versions
}

func (i RoomVersionImpl) Version() RoomVersion { return i.ver }

func (i RoomVersionImpl) AllowKnocking() bool { return i.allowKnocking }

func (i RoomVersionImpl) AllowRestrictedJoins() bool { return i.allowRestrictedJoins }

func (i RoomVersionImpl) EnforceIntegerPowerLevels() bool { return i.enforceIntegerPowerLevels }
