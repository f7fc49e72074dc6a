package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	pb "github.com/russianinvestments/invest-api-go-sdk/proto"
)

// grpcRootsEnv is read by grpc-go when it builds default transport
// credentials.
const grpcRootsEnv = "GRPC_DEFAULT_SSL_ROOTS_FILE_PATH"

// CABundleError reports an unusable CA bundle.
type CABundleError struct {
	Msg string
}

func (e *CABundleError) Error() string { return e.Msg }

func caBundleErrorf(format string, args ...any) error {
	return &CABundleError{Msg: fmt.Sprintf(format, args...)}
}

// EnvSettings is everything read from the process environment.
// Variable names are lowercase; uppercase spellings still work but are
// deprecated.
type EnvSettings struct {
	Token        string
	CABundlePath string
	CABundleB64  string
	LogLevel     string

	RetryBackoffInitialSeconds float64
	RetryBackoffMaxSeconds     float64
	StreamIdleSleepSeconds     float64
	InstrumentStatus           pb.InstrumentStatus

	TGBotToken       string
	TGChatIDs        []int64
	TGAllowedUserIDs []int64
	TGPolling        bool
	TGParseMode      string
}

// envLoader reads variables and remembers which deprecated uppercase
// names were actually used, so the warning fires once per load.
type envLoader struct {
	usedUppercase map[string]struct{}
}

// LoadEnvSettings reads the environment. A single
// deprecated_uppercase_env warning lists every uppercase name that was
// relied on.
func LoadEnvSettings() (EnvSettings, error) {
	l := &envLoader{usedUppercase: map[string]struct{}{}}

	settings := EnvSettings{
		Token:        l.value("tinvest_token", "invest_token"),
		CABundlePath: l.value("tinvest_ca_bundle_path"),
		CABundleB64:  l.value("tinvest_ca_bundle_b64"),
		LogLevel:     l.value("log_level"),
	}
	var err error
	if settings.RetryBackoffInitialSeconds, err = l.floatValue("wallwatch_retry_backoff_initial_seconds", 1.0); err != nil {
		return settings, err
	}
	if settings.RetryBackoffMaxSeconds, err = l.floatValue("wallwatch_retry_backoff_max_seconds", 30.0); err != nil {
		return settings, err
	}
	if settings.StreamIdleSleepSeconds, err = l.floatValue("wallwatch_stream_idle_sleep_seconds", 3600.0); err != nil {
		return settings, err
	}
	if settings.InstrumentStatus, err = l.instrumentStatusValue("wallwatch_instrument_status"); err != nil {
		return settings, err
	}
	settings.TGBotToken = l.value("tg_bot_token")
	if settings.TGChatIDs, err = l.intListValue("tg_chat_id"); err != nil {
		return settings, err
	}
	if settings.TGAllowedUserIDs, err = l.intListValue("tg_allowed_user_ids"); err != nil {
		return settings, err
	}
	if settings.TGPolling, err = l.boolValue("tg_polling", true); err != nil {
		return settings, err
	}
	if settings.TGParseMode, err = l.parseModeValue("tg_parse_mode", "HTML"); err != nil {
		return settings, err
	}

	if len(l.usedUppercase) > 0 {
		names := make([]string, 0, len(l.usedUppercase))
		for name := range l.usedUppercase {
			names = append(names, name)
		}
		sort.Strings(names)
		log.Warn().Strs("variables", names).Msg("deprecated_uppercase_env")
	}
	return settings, nil
}

// MissingRequiredEnv lists the variables the stream cannot run without.
func MissingRequiredEnv(settings EnvSettings) []string {
	var missing []string
	if settings.Token == "" {
		missing = append(missing, "tinvest_token")
	}
	return missing
}

// EnsureRequiredEnv fails when the exchange token is absent.
func EnsureRequiredEnv(settings EnvSettings) error {
	if missing := MissingRequiredEnv(settings); len(missing) > 0 {
		return configErrorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}
	return nil
}

// EnsureTelegramEnv fails when the Telegram surface is enabled but not
// configured.
func EnsureTelegramEnv(settings EnvSettings) error {
	var missing []string
	if settings.TGBotToken == "" {
		missing = append(missing, "tg_bot_token")
	}
	if len(settings.TGChatIDs) == 0 {
		missing = append(missing, "tg_chat_id")
	}
	if len(missing) > 0 {
		return configErrorf("missing required Telegram environment variables: %s", strings.Join(missing, ", "))
	}
	return nil
}

// LoadCABundle returns the PEM bundle from the environment, base64
// form taking precedence, or nil when neither is set.
func LoadCABundle(settings EnvSettings) ([]byte, error) {
	if settings.CABundleB64 != "" {
		data, err := base64.StdEncoding.DecodeString(settings.CABundleB64)
		if err != nil {
			return nil, caBundleErrorf("tinvest_ca_bundle_b64 is not valid base64")
		}
		if len(data) == 0 {
			return nil, caBundleErrorf("tinvest_ca_bundle_b64 decoded to empty content")
		}
		if !looksLikePEM(data) {
			return nil, caBundleErrorf("tinvest_ca_bundle_b64 does not look like PEM data")
		}
		return data, nil
	}
	if settings.CABundlePath != "" {
		info, err := os.Stat(settings.CABundlePath)
		if err != nil {
			return nil, caBundleErrorf("tinvest_ca_bundle_path not found: %s", settings.CABundlePath)
		}
		if info.IsDir() {
			return nil, caBundleErrorf("tinvest_ca_bundle_path is not a file: %s", settings.CABundlePath)
		}
		data, err := os.ReadFile(settings.CABundlePath)
		if err != nil {
			return nil, caBundleErrorf("tinvest_ca_bundle_path is not readable: %s", settings.CABundlePath)
		}
		if len(data) == 0 {
			return nil, caBundleErrorf("tinvest_ca_bundle_path is empty: %s", settings.CABundlePath)
		}
		if !looksLikePEM(data) {
			return nil, caBundleErrorf("tinvest_ca_bundle_path does not look like PEM: %s", settings.CABundlePath)
		}
		return data, nil
	}
	return nil, nil
}

// ConfigureGRPCRootCertificates validates the configured CA bundle and
// advertises it to grpc-go through GRPC_DEFAULT_SSL_ROOTS_FILE_PATH.
// A base64 bundle is materialized as a temp PEM file. Without a bundle
// the system roots stay in effect.
func ConfigureGRPCRootCertificates(settings EnvSettings) error {
	bundle, err := LoadCABundle(settings)
	if err != nil {
		return err
	}
	if bundle == nil {
		return nil
	}
	path := settings.CABundlePath
	if settings.CABundleB64 != "" {
		f, err := os.CreateTemp("", "wallwatch-ca-*.pem")
		if err != nil {
			return caBundleErrorf("unable to materialize CA bundle: %v", err)
		}
		if _, err := f.Write(bundle); err != nil {
			f.Close()
			return caBundleErrorf("unable to materialize CA bundle: %v", err)
		}
		if err := f.Close(); err != nil {
			return caBundleErrorf("unable to materialize CA bundle: %v", err)
		}
		path = f.Name()
	}
	if err := os.Setenv(grpcRootsEnv, path); err != nil {
		return caBundleErrorf("unable to set %s: %v", grpcRootsEnv, err)
	}
	log.Info().Str("path", path).Msg("ca_bundle_configured")
	return nil
}

func looksLikePEM(data []byte) bool {
	return strings.Contains(string(data), "-----BEGIN") && strings.Contains(string(data), "-----END")
}

// value returns the first non-empty spelling of name: lowercase, then
// uppercase, then each legacy name in both spellings. Whitespace-only
// values count as unset.
func (l *envLoader) value(name string, legacy ...string) string {
	candidates := []string{name, strings.ToUpper(name)}
	for _, old := range legacy {
		candidates = append(candidates, old, strings.ToUpper(old))
	}
	for _, env := range candidates {
		raw := strings.TrimSpace(os.Getenv(env))
		if raw == "" {
			continue
		}
		if env == strings.ToUpper(env) {
			l.usedUppercase[env] = struct{}{}
		}
		return raw
	}
	return ""
}

func (l *envLoader) floatValue(name string, def float64) (float64, error) {
	raw := l.value(name)
	if raw == "" {
		return def, nil
	}
	parsed, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, configErrorf("%s must be a float, got %q", name, raw)
	}
	return parsed, nil
}

func (l *envLoader) boolValue(name string, def bool) (bool, error) {
	raw := l.value(name)
	if raw == "" {
		return def, nil
	}
	switch strings.ToLower(raw) {
	case "1", "true", "yes", "y", "on":
		return true, nil
	case "0", "false", "no", "n", "off":
		return false, nil
	}
	return false, configErrorf("%s must be a boolean, got %q", name, raw)
}

func (l *envLoader) intListValue(name string) ([]int64, error) {
	raw := l.value(name)
	if raw == "" {
		return nil, nil
	}
	var values []int64
	for _, item := range strings.Split(raw, ",") {
		cleaned := strings.TrimSpace(item)
		if cleaned == "" {
			continue
		}
		parsed, err := strconv.ParseInt(cleaned, 10, 64)
		if err != nil {
			return nil, configErrorf("%s must be a comma-separated list of integers", name)
		}
		values = append(values, parsed)
	}
	return values, nil
}

func (l *envLoader) parseModeValue(name, def string) (string, error) {
	raw := l.value(name)
	if raw == "" {
		return def, nil
	}
	if raw != "HTML" && raw != "MarkdownV2" {
		return "", configErrorf("%s must be HTML or MarkdownV2, got %q", name, raw)
	}
	return raw, nil
}

func (l *envLoader) instrumentStatusValue(name string) (pb.InstrumentStatus, error) {
	raw := l.value(name)
	if raw == "" {
		return pb.InstrumentStatus_INSTRUMENT_STATUS_BASE, nil
	}
	switch strings.ToLower(raw) {
	case "base":
		return pb.InstrumentStatus_INSTRUMENT_STATUS_BASE, nil
	case "all":
		return pb.InstrumentStatus_INSTRUMENT_STATUS_ALL, nil
	}
	return 0, configErrorf("%s must be base or all, got %q", name, raw)
}
