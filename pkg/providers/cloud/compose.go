package cloud

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// RemoteStackDir is where the compose document lives on the node.
const RemoteStackDir = "/home/ubuntu/elk"

type composeFile struct {
	Version  string                    `yaml:"version"`
	Services map[string]composeService `yaml:"services"`
}

type composeService struct {
	Image         string   `yaml:"image"`
	ContainerName string   `yaml:"container_name"`
	Environment   []string `yaml:"environment"`
	Ports         []string `yaml:"ports"`
	DependsOn     []string `yaml:"depends_on,omitempty"`
	Restart       string   `yaml:"restart"`
}

// ComposeDocument renders the container definition of the search service
// and its dashboard.
func ComposeDocument(version, password string) (string, error) {
	doc := composeFile{
		Version: "3.8",
		Services: map[string]composeService{
			"elasticsearch": {
				Image:         "docker.elastic.co/elasticsearch/elasticsearch:" + version,
				ContainerName: "elasticsearch",
				Environment: []string{
					"discovery.type=single-node",
					"xpack.security.enabled=true",
					"ELASTIC_PASSWORD=" + password,
					"ES_JAVA_OPTS=-Xms2g -Xmx2g",
				},
				Ports:   []string{"9200:9200"},
				Restart: "unless-stopped",
			},
			"kibana": {
				Image:         "docker.elastic.co/kibana/kibana:" + version,
				ContainerName: "kibana",
				Environment: []string{
					"ELASTICSEARCH_HOSTS=http://elasticsearch:9200",
					"ELASTICSEARCH_USERNAME=elastic",
					"ELASTICSEARCH_PASSWORD=" + password,
				},
				Ports:     []string{"5601:5601"},
				DependsOn: []string{"elasticsearch"},
				Restart:   "unless-stopped",
			},
		},
	}

	out, err := yaml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to render compose document: %w", err)
	}
	return string(out), nil
}

// UserData renders the first-boot script that installs the container
// runtime and starts the compose document.
func UserData(compose string) string {
	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	b.WriteString("apt update && apt install -y docker.io docker-compose\n")
	b.WriteString("sysctl -w vm.max_map_count=262144\n")
	fmt.Fprintf(&b, "mkdir -p %s\n", RemoteStackDir)
	fmt.Fprintf(&b, "cat > %s/docker-compose.yml <<'EOF'\n%sEOF\n", RemoteStackDir, ensureNewline(compose))
	fmt.Fprintf(&b, "cd %s && docker-compose up -d\n", RemoteStackDir)
	return b.String()
}

// redeployCommands rewrites the compose document and restarts the stack.
func redeployCommands(compose string) []string {
	return []string{
		"mkdir -p " + RemoteStackDir,
		fmt.Sprintf("cat > %s/docker-compose.yml <<'EOF'\n%sEOF", RemoteStackDir, ensureNewline(compose)),
		fmt.Sprintf("cd %s && docker-compose down || true", RemoteStackDir),
		fmt.Sprintf("cd %s && docker-compose up -d", RemoteStackDir),
	}
}

// statusCommands dump container state for diagnostics.
func statusCommands() []string {
	return []string{
		"docker ps -a || true",
		fmt.Sprintf("cd %s && docker-compose ps || true", RemoteStackDir),
		"systemctl status docker --no-pager || true",
	}
}

// stopCommands stop and remove the stack.
func stopCommands() []string {
	return []string{
		fmt.Sprintf("cd %s && docker-compose down || true", RemoteStackDir),
		"docker rm -f elasticsearch kibana || true",
		fmt.Sprintf("rm -rf %s || true", RemoteStackDir),
	}
}

func ensureNewline(s string) string {
	if strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}
