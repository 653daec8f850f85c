package audit

import "strings"

// Actions recorded by the user-scoped protector and the CLI.
const (
	ActionKeyCreate    = "KEY_CREATE"
	ActionKeyUnlock    = "KEY_UNLOCK"
	ActionKeyExport    = "KEY_EXPORT"
	ActionKeyImport    = "KEY_IMPORT"
	ActionKeyClose     = "KEY_CLOSE"
	ActionProtect      = "PROTECT"
	ActionUnprotect    = "UNPROTECT"
	ActionScopeDelete  = "SCOPE_DELETE"
	ActionCommandStart = "COMMAND_START"
	ActionCommandEnd   = "COMMAND_COMPLETE"
)

// Actions lists every action name, in the order above.
var Actions = []string{
	ActionKeyCreate, ActionKeyUnlock, ActionKeyExport, ActionKeyImport, ActionKeyClose,
	ActionProtect, ActionUnprotect, ActionScopeDelete, ActionCommandStart, ActionCommandEnd,
}

var keyActions = map[string]bool{
	ActionKeyCreate: true,
	ActionKeyUnlock: true,
	ActionKeyExport: true,
	ActionKeyImport: true,
	ActionKeyClose:  true,
}

// IsKeyAction reports whether action touches the user key itself.
func IsKeyAction(action string) bool {
	return keyActions[strings.ToUpper(action)]
}

// isSecurityCriticalAction selects actions that syslog raises to notice.
func isSecurityCriticalAction(action string) bool {
	switch strings.ToUpper(action) {
	case ActionKeyCreate, ActionKeyExport, ActionKeyImport, ActionScopeDelete:
		return true
	}
	return false
}
