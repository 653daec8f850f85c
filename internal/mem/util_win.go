//go:build windows

package mem

func lockMemoryPlatform() (ProtectionLevel, error) {
	// No process-wide lock on Windows; memguard's VirtualLock of its own
	// pages is the only protection.
	return ProtectionPartial, nil
}

func unlockMemoryPlatform() error {
	return nil
}
