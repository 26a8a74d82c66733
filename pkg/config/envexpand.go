package config

import (
	"bytes"
	"os"
	"strings"
	"text/template"
)

// ExpandEnv expands environment variables in YAML content using Go
// templates. Uses {{.VAR_NAME}} syntax to avoid collision with $ in the
// regex patterns and passwords that routinely appear in pipeline options.
//
// Examples:
//   - {{.ELSPETH_API_KEY}} → value of ELSPETH_API_KEY
//   - {{.DB_HOST}}:{{.DB_PORT}} → hostname:port with both expanded
//   - pattern: "^order_\\d+$" → preserved literally, $ is never touched
//
// Missing variables expand to empty string; validation catches required
// fields left empty. Malformed template syntax passes the content through
// untouched so YAML with stray braces still loads.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("pipeline").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}

	envMap := make(map[string]string)
	for _, env := range os.Environ() {
		if idx := strings.IndexByte(env, '='); idx > 0 {
			envMap[env[:idx]] = env[idx+1:]
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, envMap); err != nil {
		return data
	}
	return buf.Bytes()
}
