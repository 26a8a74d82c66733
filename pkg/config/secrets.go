package config

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Plugin options routinely carry API keys and connection strings. The audit
// trail must never store them raw; recorded configurations carry HMAC
// fingerprints instead, so two runs with different credentials stay
// distinguishable without exposing either.

const (
	// FingerprintKeyEnv holds the HMAC key for secret fingerprints.
	FingerprintKeyEnv = "ELSPETH_FINGERPRINT_KEY"

	// AllowRawSecretsEnv set to "true" skips fingerprinting for local
	// development. Secrets then pass through to the audit trail verbatim.
	AllowRawSecretsEnv = "ELSPETH_ALLOW_RAW_SECRETS"
)

// ErrSecretFingerprint indicates a secret was found but could not be
// fingerprinted, or a config tried to supply a fingerprint by hand.
var ErrSecretFingerprint = errors.New("secret fingerprinting failed")

// secretFieldNames are exact option keys treated as secrets,
// case-insensitive.
var secretFieldNames = map[string]struct{}{
	"api_key":           {},
	"api-key":           {},
	"authorization":     {},
	"connection_string": {},
	"credential":        {},
	"password":          {},
	"secret":            {},
	"token":             {},
	"x-api-key":         {},
}

// secretFieldSuffixes extend the exact names to compound keys like
// service_api_key or db_password.
var secretFieldSuffixes = []string{
	"_secret", "_key", "_token", "_password", "_credential", "_connection_string",
}

// IsSecretField reports whether an option key names a secret value.
func IsSecretField(name string) bool {
	normalized := strings.ToLower(name)
	if _, ok := secretFieldNames[normalized]; ok {
		return true
	}
	for _, suffix := range secretFieldSuffixes {
		if strings.HasSuffix(normalized, suffix) {
			return true
		}
	}
	return false
}

func fingerprintKey() ([]byte, bool) {
	key := os.Getenv(FingerprintKeyEnv)
	if key == "" {
		return nil, false
	}
	return []byte(key), true
}

func allowRawSecrets() bool {
	return strings.EqualFold(os.Getenv(AllowRawSecretsEnv), "true")
}

// Fingerprint computes the keyed fingerprint of a secret value: the first
// 16 hex characters of HMAC-SHA256 under the key from
// ELSPETH_FINGERPRINT_KEY. Same key and secret always produce the same
// fingerprint, so an auditor can tell credentials apart across runs.
func Fingerprint(value string) (string, error) {
	key, ok := fingerprintKey()
	if !ok {
		return "", fmt.Errorf("%w: %s is not set", ErrSecretFingerprint, FingerprintKeyEnv)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))[:16], nil
}

// FingerprintOptions returns a deep copy of options with every secret
// string replaced: the key gains a _fingerprint suffix and the value
// becomes the fingerprint. Nested mappings and lists are walked. With
// ELSPETH_ALLOW_RAW_SECRETS=true the copy keeps raw values; otherwise a
// secret found without a fingerprint key is an error.
//
// A mapping that already contains both a secret field and its _fingerprint
// counterpart is rejected: the counterpart is generated here, and accepting
// a hand-written one would let a forged fingerprint shadow the computed
// HMAC.
func FingerprintOptions(options map[string]any) (map[string]any, error) {
	_, haveKey := fingerprintKey()
	allowRaw := allowRawSecrets()

	var walkMap func(m map[string]any) (map[string]any, error)
	var walkValue func(key string, v any) (string, any, error)

	walkValue = func(key string, v any) (string, any, error) {
		switch t := v.(type) {
		case map[string]any:
			nested, err := walkMap(t)
			return key, nested, err
		case []any:
			out := make([]any, len(t))
			for i, item := range t {
				_, walked, err := walkValue("", item)
				if err != nil {
					return "", nil, err
				}
				out[i] = walked
			}
			return key, out, nil
		case string:
			if !IsSecretField(key) {
				return key, v, nil
			}
			if haveKey {
				fp, err := Fingerprint(t)
				if err != nil {
					return "", nil, err
				}
				return key + "_fingerprint", fp, nil
			}
			if allowRaw {
				return key, v, nil
			}
			return "", nil, fmt.Errorf(
				"%w: field %q found but %s is not set; set it, or set %s=true for development",
				ErrSecretFingerprint, key, FingerprintKeyEnv, AllowRawSecretsEnv)
		default:
			return key, v, nil
		}
	}

	walkMap = func(m map[string]any) (map[string]any, error) {
		for key, v := range m {
			if _, isStr := v.(string); isStr && IsSecretField(key) {
				if _, collides := m[key+"_fingerprint"]; collides {
					return nil, fmt.Errorf(
						"%w: config contains both %q and %q; the fingerprint is generated, remove it",
						ErrSecretFingerprint, key, key+"_fingerprint")
				}
			}
		}
		out := make(map[string]any, len(m))
		for key, v := range m {
			newKey, newValue, err := walkValue(key, v)
			if err != nil {
				return nil, err
			}
			out[newKey] = newValue
		}
		return out, nil
	}

	return walkMap(options)
}

// SanitizeDSN strips the password from a database URL. It returns the
// sanitized URL, the password fingerprint when a key is available, and
// whether the URL carried a password at all. Values that do not parse as
// URLs pass through untouched.
func SanitizeDSN(dsn string) (sanitized string, passwordFingerprint string, hadPassword bool, err error) {
	parsed, parseErr := url.Parse(dsn)
	if parseErr != nil || parsed.Scheme == "" || parsed.User == nil {
		return dsn, "", false, nil
	}
	password, has := parsed.User.Password()
	if !has {
		return dsn, "", false, nil
	}

	if username := parsed.User.Username(); username != "" {
		parsed.User = url.User(username)
	} else {
		parsed.User = nil
	}

	if _, haveKey := fingerprintKey(); haveKey {
		fp, fpErr := Fingerprint(password)
		if fpErr != nil {
			return "", "", true, fpErr
		}
		return parsed.String(), fp, true, nil
	}
	if allowRawSecrets() {
		return parsed.String(), "", true, nil
	}
	return "", "", true, fmt.Errorf(
		"%w: database URL contains a password but %s is not set; set it, or set %s=true for development",
		ErrSecretFingerprint, FingerprintKeyEnv, AllowRawSecretsEnv)
}

// AuditSnapshot renders the settings as a generic map safe for the audit
// trail: secret options fingerprinted and the landscape DSN stripped of its
// password. This is the value recorded with the run, never the live
// settings.
func (s *Settings) AuditSnapshot() (map[string]any, error) {
	raw, err := yaml.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encoding settings: %w", err)
	}
	var asMap map[string]any
	if err := yaml.Unmarshal(raw, &asMap); err != nil {
		return nil, fmt.Errorf("decoding settings: %w", err)
	}

	snapshot, err := FingerprintOptions(asMap)
	if err != nil {
		return nil, err
	}

	if landscape, ok := snapshot["landscape"].(map[string]any); ok {
		if dsn, ok := landscape["url"].(string); ok {
			sanitized, fp, had, err := SanitizeDSN(dsn)
			if err != nil {
				return nil, err
			}
			landscape["url"] = sanitized
			if had && fp != "" {
				landscape["url_password_fingerprint"] = fp
			}
		}
	}
	return snapshot, nil
}
