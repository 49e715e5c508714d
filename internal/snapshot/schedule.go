package snapshot

import (
	"fmt"
	"time"
)

// Schedule mode strings derived from the scheduler's local_mode flag.
const (
	ModeLocal  = "local"
	ModeRemote = "remote"
)

// Cluster roles derived from the ems unit count.
const (
	RoleLeader   = "leader"
	RoleFollower = "follower"
)

// controlModeNames maps scheduler control mode codes to their names from the
// vendor's battery control guide.
var controlModeNames = map[int]string{
	0: "idle",
	1: "inverter_charge",
	2: "inverter_discharge",
	3: "grid_charge",
	4: "grid_discharge",
	5: "grid_charge_discharge",
	6: "frequency_reserve",
	7: "solar_charge",
	8: "solar_charge_discharge",
	9: "full_solar_export",
}

// ModeName returns the human-readable name for a control mode code. Codes
// outside the table (newer firmware may add modes) yield an explicit
// unknown marker rather than an error.
func ModeName(code int) string {
	if name, ok := controlModeNames[code]; ok {
		return name
	}
	return fmt.Sprintf("unknown_%d", code)
}

// isoUTC renders unix seconds as an ISO 8601 timestamp in UTC.
func isoUTC(unix int64) string {
	return time.Unix(unix, 0).UTC().Format(time.RFC3339)
}
