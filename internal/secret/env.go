package secret

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/org/pwsafe/pkg/models"
)

// ExportDotEnv renders a payload as a .env file: USERNAME, PASSWORD and
// every custom field.
func ExportDotEnv(p *models.Payload) string {
	vars := make(map[string]string, len(p.CustomFields)+2)
	for k, v := range p.CustomFields {
		vars[k] = v
	}
	if p.Username != "" {
		vars["USERNAME"] = p.Username
	}
	if p.Password != "" {
		vars["PASSWORD"] = p.Password
	}

	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	for _, k := range keys {
		v := vars[k]
		if needsQuoting(v) {
			fmt.Fprintf(&buf, "%s=%q\n", k, v)
		} else {
			fmt.Fprintf(&buf, "%s=%s\n", k, v)
		}
	}
	return buf.String()
}

func needsQuoting(s string) bool {
	for _, c := range s {
		if c == ' ' || c == '\t' || c == '\n' || c == '"' || c == '\'' || c == '\\' || c == '#' {
			return true
		}
	}
	return false
}
