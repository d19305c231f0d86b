package logging

import "strings"

// RedactedValue replaces secrets in logged settings.
const RedactedValue = "[REDACTED]"

// sensitiveKeys are config keys whose values are credentials. Matching is on
// the last key segment, so sftp.key_path stays visible while sftp.private_key
// does not.
var sensitiveKeys = map[string]bool{
	"password":         true,
	"passphrase":       true,
	"private_key":      true,
	"bastion_key":      true,
	"bastion_password": true,
}

// RedactMap returns a copy of settings with credential values replaced.
// Nested maps are redacted recursively. Unset (empty) secrets are kept so
// the output still shows which ones are configured.
func RedactMap(settings map[string]any) map[string]any {
	out := make(map[string]any, len(settings))
	for k, v := range settings {
		switch val := v.(type) {
		case map[string]any:
			out[k] = RedactMap(val)
			continue
		case string:
			if val != "" && sensitiveKeys[strings.ToLower(k)] {
				out[k] = RedactedValue
				continue
			}
		}
		out[k] = v
	}
	return out
}
