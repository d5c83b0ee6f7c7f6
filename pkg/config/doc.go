// Package config loads stackctl.yaml.
//
// A configuration file holds the desired stack, cloud manager options,
// the cost policy limits, the inventory database and telemetry settings.
// Every field has a default except the secrets and the site-specific
// values (edge host, key path):
//
//	stack:
//	  project: ids2
//	  role: elk
//	  region: eu-west-1
//	  search_regions: [us-east-1]
//	  compute:
//	    instance_type: t3.medium
//	    key_path: ~/.ssh/ids2-elk.pem
//	  edge:
//	    host: 192.168.178.66
//	    services: [suricata, webbapp, ids]
//	  secrets:
//	    edge_password: ${EDGE_PASSWORD}
//	    sudo_password: ${SUDO_PASSWORD:-}
//	    service_password: ${ELASTIC_PASSWORD}
//	policy:
//	  enabled: true
//	  limits:
//	    max_monthly: 50
//	    over_budget_action: stop_and_release_cloud_service
//	reconcile:
//	  interval: 10s
//
// ${NAME} references are replaced from the environment before parsing;
// ${NAME:-fallback} supplies a fallback. An unset reference without a
// fallback fails the load. Unknown keys are rejected.
//
// Watch reloads the file on change, debouncing editor write bursts. The
// reconciler uses it to pick up a new desired stack without a restart.
package config
