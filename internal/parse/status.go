package parse

import "strings"

// MachineStatus is the normalised machine status as shown to the user.
type MachineStatus string

const (
	StatusActive      MachineStatus = "active"
	StatusMaintenance MachineStatus = "maintenance"
	StatusOutOfStock  MachineStatus = "out_of_stock"
	StatusOffline     MachineStatus = "offline"
	// StatusDispensing is transient: the backend has sent the dispense
	// command and the machine has not confirmed yet.
	StatusDispensing MachineStatus = "dispensing"
)

// Status maps the raw status strings reported by the backend and the
// machine firmware onto MachineStatus. Unknown values are treated as active
// so a new backend state never locks users out.
func Status(raw string) MachineStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "offline", "unavailable":
		return StatusOffline
	case "maintenance":
		return StatusMaintenance
	case "out_of_stock", "out-of-stock", "empty":
		return StatusOutOfStock
	case "dispensing", "dispatch_sent":
		return StatusDispensing
	default:
		return StatusActive
	}
}
