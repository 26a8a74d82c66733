package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpandEnv(t *testing.T) {
	t.Setenv("ELSPETH_TEST_HOST", "db.internal")
	t.Setenv("ELSPETH_TEST_PORT", "5432")

	out := ExpandEnv([]byte("url: {{.ELSPETH_TEST_HOST}}:{{.ELSPETH_TEST_PORT}}"))
	assert.Equal(t, "url: db.internal:5432", string(out))
}

func TestExpandEnvMissingVariable(t *testing.T) {
	out := ExpandEnv([]byte("key: {{.ELSPETH_DEFINITELY_UNSET_VAR}}"))
	assert.Equal(t, "key: ", string(out))
}

func TestExpandEnvPreservesDollarSigns(t *testing.T) {
	content := `pattern: "^order_\\d+$"
password: "p@ss$word"
shell: "$PATH and ${ARRAY[0]}"`

	out := ExpandEnv([]byte(content))
	assert.Equal(t, content, string(out))
}

func TestExpandEnvMalformedTemplate(t *testing.T) {
	// Unclosed braces fail template parsing; content passes through.
	content := "key: {{.UNCLOSED"
	out := ExpandEnv([]byte(content))
	assert.Equal(t, content, string(out))
}
