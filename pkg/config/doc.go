// Package config loads missionctl configuration and mission spec files.
//
// # Process configuration
//
// Load reads a Config with viper: built-in defaults, then an optional YAML
// file, then MISSIONCTL_* environment variables (dots become underscores, so
// engine.auto_rollback is MISSIONCTL_ENGINE_AUTO_ROLLBACK). The result is
// validated once with go-playground/validator.
//
//	engine:
//	  max_concurrent_steps: 8
//	  mission_timeout: 30m
//	registry:
//	  workers: 4
//	journal:
//	  backend: sqlite
//	  path: /var/lib/missionctl/journal.db
//	policy:
//	  paths: [/etc/missionctl/policies]
//	  watch: true
//
// # Spec files
//
// A spec file submits a mission, or a mission rolled out across regions. YAML,
// JSON, CUE and Starlark (.star) are accepted; every document is validated
// against the built-in CUE schema (#Spec) before it is decoded. Durations are
// strings such as "30s". A Starlark spec's public globals form the document,
// so components can be generated with comprehensions.
//
//	kind: rollout
//	name: edge-firmware
//	priority: 10
//	mission:
//	  components:
//	    - id: gateway
//	      type: edge
//	      action: deploy
//	      retry: {max_attempts: 3, base_delay: 2s, backoff: exponential}
//	rollout:
//	  strategy: canary
//	  regions: [eu-west, us-east, ap-south]
//	  canary_regions: [eu-west]
//	  validation_period: 10m
//
// When kind is omitted it is inferred from the rollout section.
//
// # Spool
//
// A Spool watches a directory with fsnotify and passes every new spec file to
// a handler, typically one that submits it to the mission registry. Handled
// files move to processed/, rejected ones to failed/ with a .error file.
package config
