// Package config loads the posturestream configuration.
//
// Configuration is built in layers: compiled-in defaults, then zero or more
// YAML files applied in order, then environment variables prefixed with
// POSTURESTREAM_. Later layers only override the keys they set.
//
// # Basic Usage
//
//	loader := config.NewLoader()
//	loader.AddLayer("configs/base.yaml")
//	loader.AddLayer("configs/clinic.yaml") // overrides base
//	loader.EnableValidation(true)
//
//	cfg, err := loader.Load()
//	if err != nil {
//		log.Fatal(err)
//	}
//
// # Environment Variables
//
// Every setting has an environment name derived from its section, for example
//
//	POSTURESTREAM_TRANSPORT_URL=wss://detect.example.com/api/v1/ws/detect
//	POSTURESTREAM_TRANSPORT_RECONNECT_ENABLED=true
//	POSTURESTREAM_ALERT_CUES=neck_wrong:7,leg_wrong:8
//	POSTURESTREAM_CLIENT_ID=phone-1
//	POSTURESTREAM_TOKEN=...
//
// Tokens are only read from the environment; they never appear in files or
// in Config.String.
package config
