package manifest

// ConfigError reports a malformed or unusable configuration. Resolution is
// never attempted for the offending entry.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return e.Reason
}
