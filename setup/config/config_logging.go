package config

// LogrusHook represents a single logrus hook. At this point, only parsing and
// verification of the proper values are done. The hooks are installed by
// internal.SetupHookLogging once the config is loaded.
type LogrusHook struct {
	// The type of hook, currently only "file" is supported.
	Type string `yaml:"type"`

	// The level of the logs to produce. Will output only this level and above.
	Level string `yaml:"level"`

	// The parameters for this hook.
	Params map[string]interface{} `yaml:"params"`
}
