// Package config loads the realtime CLI configuration.
//
// The configuration is a YAML file, by default realtime.yaml in the user
// config directory. Every field is optional; flags and REALTIME_*
// environment variables override the file.
//
// # Configuration File Structure
//
//	key: "appId.keyId:secret"
//	client_id: cli
//	endpoint: wss://realtime.example.com
//	format: msgpack
//	connection:
//	  state_ttl: 2m
//	  suspended_retry: 30s
//	  max_retries: 0
//	  heartbeat: 15s
//	retry:
//	  base: 1s
//	  max: 30s
//	  jitter: 0.2
//	auth:
//	  url: https://example.com/auth
//	  token_endpoint: https://rest.example.com
//	  breaker:
//	    max_failures: 3
//	recovery:
//	  file: ~/.cache/realtime/recovery.cbor
//	logger:
//	  level: info
//	  format: text
//	  output: stderr
//	server:
//	  addr: ":8080"
//
// # Usage
//
//	cfg, err := config.Load(path)
//	if err != nil {
//	    return err
//	}
//	logger, closeLog, err := config.NewLogger(cfg.Logger)
package config
