package edge

import (
	"bytes"
	"embed"
	"fmt"
	"text/template"
)

// Units and files installed on the edge node.
const (
	AppUnit        = "webbapp"
	ForwarderUnit  = "ids"
	ProbeUnit      = "suricata"
	UnitDir        = "/etc/systemd/system"
	ForwarderEnv   = "/etc/default/ids-forwarder"
	ForwarderName  = "forwarder.py"
	ProbeRulesPath = "/etc/suricata/rules/local.rules"
	ProbeEventLog  = "/var/log/suricata/eve.json"
)

//go:embed templates/*
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.tmpl"))

// UnitPath returns the systemd unit file path of name.
func UnitPath(name string) string {
	return fmt.Sprintf("%s/%s.service", UnitDir, name)
}

func render(name string, data any) ([]byte, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return nil, fmt.Errorf("failed to render %s: %w", name, err)
	}
	return buf.Bytes(), nil
}

func forwarderScript() ([]byte, error) {
	return templateFS.ReadFile("templates/" + ForwarderName)
}
