package mem

// ProtectionLevel indicates how well process memory holding key material is
// kept out of swap.
type ProtectionLevel int

const (
	ProtectionNone    ProtectionLevel = iota // No memory protection available
	ProtectionPartial                        // Enclaves only; pages may be swapped
	ProtectionFull                           // All current and future pages locked
)

func (l ProtectionLevel) String() string {
	switch l {
	case ProtectionFull:
		return "full"
	case ProtectionPartial:
		return "partial"
	default:
		return "none"
	}
}

// Lock attempts to prevent the process's memory from being swapped to disk.
// It returns the protection level achieved; a partial level is not an error.
func Lock() (ProtectionLevel, error) {
	return lockMemoryPlatform()
}

// Unlock releases memory locks taken by Lock.
func Unlock() error {
	return unlockMemoryPlatform()
}
