package device

import (
	"fmt"

	"github.com/google/uuid"
)

// maxIfNameLen is IFNAMSIZ-1.
const maxIfNameLen = 15

// TemplateName generates a unique interface name to use before a
// device is renamed post-migration. Kernel interface names are capped
// at IFNAMSIZ (16 including NUL), so the UUID is truncated to fit
// alongside the prefix.
func TemplateName(prefix string) string {
	id := uuid.New().String()
	name := prefix + id[:8]
	if len(name) > maxIfNameLen {
		name = name[:maxIfNameLen]
	}
	return name
}

// ValidateName enforces the kernel's IFNAMSIZ bound.
func ValidateName(name string) error {
	if len(name) == 0 || len(name) > maxIfNameLen {
		return fmt.Errorf("device: name %q must be 1..%d bytes", name, maxIfNameLen)
	}
	return nil
}
