package config

import (
	"fmt"

	"github.com/nuetzliches/remoteaccess/internal/secrets"
)

func validateSecretRef(ref string) error {
	return secrets.ValidateRef(ref)
}

// validateSecretPreflight loads every admin key ref and reports the ones that
// cannot be read.
func validateSecretPreflight(compiled Compiled) []string {
	var errs []string
	seen := make(map[string]struct{}, len(compiled.RemoteAccess.AdminKeyRefs))
	for i, ref := range compiled.RemoteAccess.AdminKeyRefs {
		if _, ok := seen[ref]; ok {
			continue
		}
		seen[ref] = struct{}{}
		if _, err := secrets.LoadRef(ref); err != nil {
			errs = append(errs, fmt.Sprintf("secret preflight remote_access.admin_keys[%d] %q: %v", i, secrets.Redact(ref), err))
		}
	}
	return errs
}
