package deadlock

// Version information for the Pure-Go Deadlock Detector.
const (
	// Version is the current version of the detector runtime.
	Version = "0.1.0"

	// VersionMajor is the major version number.
	VersionMajor = 0

	// VersionMinor is the minor version number.
	VersionMinor = 1

	// VersionPatch is the patch version number.
	VersionPatch = 0
)

// Info provides runtime information about the deadlock detector.
type Info struct {
	// Version is the runtime version string.
	Version string

	// Algorithm is the detection approach in use.
	Algorithm string

	// Enabled indicates whether detection is active.
	Enabled bool
}

// GetInfo returns information about the detector runtime.
//
// Example:
//
//	info := deadlock.GetInfo()
//	fmt.Printf("Deadlock Detector %s (%s)\n", info.Version, info.Algorithm)
func GetInfo() Info {
	return Info{
		Version:   Version,
		Algorithm: "incremental lock-order cycle detection",
		Enabled:   Enabled(),
	}
}
