package txscope

import "time"

const defaultMeterName = "lingo-dbscope.txscope"

// Config controls default behaviour of the scope manager.
type Config struct {
	DefaultIsolation string        `json:"defaultIsolation" yaml:"defaultIsolation"`
	LockTimeout      time.Duration `json:"lockTimeout" yaml:"lockTimeout"`
	MeterName        string        `json:"meterName" yaml:"meterName"`
	MetricsEnabled   *bool         `json:"metricsEnabled" yaml:"metricsEnabled"`
	// CoordinatorEndpoint overrides the server name reported when a
	// transaction cannot be promoted. Defaults to the driver endpoint.
	CoordinatorEndpoint string `json:"coordinatorEndpoint" yaml:"coordinatorEndpoint"`
}

func (c Config) sanitized() Config {
	if c.DefaultIsolation == "" {
		c.DefaultIsolation = string(ReadCommitted)
	}
	if c.LockTimeout < 0 {
		c.LockTimeout = 0
	}
	if c.MeterName == "" {
		c.MeterName = defaultMeterName
	}
	if c.MetricsEnabled == nil {
		enabled := true
		c.MetricsEnabled = &enabled
	}
	return c
}

// MetricsEnabledValue reports the effective metrics switch.
func (c Config) MetricsEnabledValue() bool {
	return *c.sanitized().MetricsEnabled
}

// TxOptionPreset groups the transaction presets derived from configuration.
type TxOptionPreset struct {
	Default      TxOptions
	Serializable TxOptions
	ReadOnly     TxOptions
}

// BuildPresets builds the preset transaction options from the configuration.
func (c Config) BuildPresets() TxOptionPreset {
	cfg := c.sanitized()
	defaultOpt := TxOptions{
		Isolation:   ParseIsolation(cfg.DefaultIsolation),
		AccessMode:  ReadWrite,
		LockTimeout: cfg.LockTimeout,
	}
	serializable := defaultOpt
	serializable.Isolation = Serializable

	readOnly := defaultOpt
	readOnly.AccessMode = ReadOnly

	return TxOptionPreset{
		Default:      defaultOpt,
		Serializable: serializable,
		ReadOnly:     readOnly,
	}
}
