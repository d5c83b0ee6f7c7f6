package edge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/stackctl/pkg/engine"
	"github.com/openfroyo/stackctl/pkg/health"
	"github.com/openfroyo/stackctl/pkg/transports/ssh"
)

// File modes of what the deployer installs.
const (
	publicMode = 0o644
	secretMode = 0o600
	scriptMode = 0o755
)

// probeRule raises an alert on any ICMP traffic so the pipeline can be
// exercised with a ping.
const probeRule = `alert icmp any any -> any any (msg:"[IDS] ICMP DETECTED"; sid:1000001; rev:1;)`

// Deployer prepares the edge node over a remote session. It remembers the
// systemd units it creates so a failed run can remove them again.
type Deployer struct {
	session engine.RemoteSession
	spec    engine.DesiredStackSpec
	logger  zerolog.Logger

	created []string
}

// NewDeployer creates a deployer for the edge node described by spec.
func NewDeployer(session engine.RemoteSession, spec engine.DesiredStackSpec) *Deployer {
	return &Deployer{
		session: session,
		spec:    spec,
		logger:  log.With().Str("component", "edge").Str("host", spec.Edge.Host).Logger(),
	}
}

// sudo runs a privileged command that must succeed.
func (d *Deployer) sudo(ctx context.Context, cmd string) error {
	_, err := d.session.Run(ctx, cmd, engine.RunOptions{Privileged: true, Check: true})
	return err
}

// sudoBestEffort runs a privileged command whose failure is only logged.
func (d *Deployer) sudoBestEffort(ctx context.Context, cmd string) {
	res, err := d.session.Run(ctx, cmd, engine.RunOptions{Privileged: true})
	switch {
	case err != nil:
		d.logger.Warn().Err(err).Str("cmd", cmd).Msg("Command failed")
	case !res.Success():
		d.logger.Debug().Int("exit_code", res.ExitCode).Str("cmd", cmd).Msg("Command exited non-zero")
	}
}

func (d *Deployer) sequence(ctx context.Context, cmds ...string) error {
	for _, cmd := range cmds {
		if err := d.sudo(ctx, cmd); err != nil {
			return err
		}
	}
	return nil
}

// Reset removes every trace of a previous deployment from the edge node.
func (d *Deployer) Reset(ctx context.Context) error {
	d.logger.Info().Msg("Resetting edge node")
	remoteDir := ssh.ShellQuote(d.spec.Edge.RemoteDir)
	for _, cmd := range []string{
		fmt.Sprintf("systemctl disable --now %s %s %s || true", AppUnit, ForwarderUnit, ProbeUnit),
		fmt.Sprintf("rm -f %s %s %s", UnitPath(AppUnit), UnitPath(ForwarderUnit), ForwarderEnv),
		"systemctl daemon-reload",
		"rm -rf " + remoteDir,
		"ufw --force reset",
	} {
		d.sudoBestEffort(ctx, cmd)
	}
	if err := d.RemoveRuntime(ctx); err != nil {
		return err
	}
	d.sudoBestEffort(ctx, "apt purge -y suricata || true")
	d.sudoBestEffort(ctx, "rm -rf /etc/suricata /var/log/suricata || true")
	if err := ctx.Err(); err != nil {
		return err
	}
	d.logger.Info().Msg("Edge node reset")
	return nil
}

// InstallRuntime installs and starts the container runtime.
func (d *Deployer) InstallRuntime(ctx context.Context) error {
	d.logger.Info().Msg("Installing container runtime")
	return d.sequence(ctx,
		"apt update && apt install -y docker.io docker-compose",
		"systemctl enable --now docker",
	)
}

// RemoveRuntime purges the container runtime and its data.
func (d *Deployer) RemoveRuntime(ctx context.Context) error {
	d.logger.Info().Msg("Removing container runtime")
	d.sudoBestEffort(ctx, "apt purge -y docker.io docker-compose containerd runc || true")
	d.sudoBestEffort(ctx, "rm -rf /var/lib/docker /var/lib/containerd || true")
	return ctx.Err()
}

// InstallProbe installs the packet-capture probe, puts the mirror
// interface in promiscuous mode and locks the firewall down to SSH.
func (d *Deployer) InstallProbe(ctx context.Context) error {
	d.logger.Info().Str("interface", d.spec.Edge.MirrorInterface).Msg("Installing probe")
	if err := d.sudo(ctx, "apt update && apt install -y suricata python3-pip ufw curl"); err != nil {
		return err
	}
	d.sudoBestEffort(ctx, "pip3 install --break-system-packages elasticsearch requests || pip3 install elasticsearch requests")

	port := d.spec.Edge.Port
	if port == 0 {
		port = health.SSHPort
	}
	if err := d.sequence(ctx,
		fmt.Sprintf("ip link set %s promisc on", ssh.ShellQuote(d.spec.Edge.MirrorInterface)),
		"ufw --force reset",
		fmt.Sprintf("ufw allow %d/tcp", port),
		"ufw --force enable",
	); err != nil {
		return err
	}

	if err := d.writeSystemFile(ctx, ProbeRulesPath, []byte(probeRule+"\n"), publicMode); err != nil {
		return err
	}
	d.sudoBestEffort(ctx, "chmod 644 "+ProbeEventLog)
	return d.sudo(ctx, "systemctl enable --now "+ProbeUnit)
}

// UploadApp copies the local application tree to the remote directory.
func (d *Deployer) UploadApp(ctx context.Context) error {
	localDir := d.spec.Edge.AppDir
	if localDir == "" {
		localDir = "."
	}
	remoteDir := d.spec.Edge.RemoteDir
	d.logger.Info().Str("local", localDir).Str("remote", remoteDir).Msg("Uploading application")

	user := ssh.ShellQuote(d.spec.Edge.User)
	if err := d.sequence(ctx,
		"mkdir -p "+ssh.ShellQuote(remoteDir),
		fmt.Sprintf("chown -R %s:%s %s", user, user, ssh.ShellQuote(remoteDir)),
	); err != nil {
		return err
	}
	return d.session.UploadTree(ctx, localDir, remoteDir, ssh.DefaultIgnore)
}

// InstallAppDeps installs the application's Python requirements.
func (d *Deployer) InstallAppDeps(ctx context.Context) error {
	d.logger.Info().Msg("Installing application dependencies")
	dir := ssh.ShellQuote(d.spec.Edge.RemoteDir)
	return d.sequence(ctx,
		"apt update && apt install -y python3-pip",
		fmt.Sprintf("cd %s && (python3 -m pip install --break-system-packages -r requirements.txt || python3 -m pip install -r requirements.txt)", dir),
	)
}

// ConfigureAppService installs and starts the application unit.
func (d *Deployer) ConfigureAppService(ctx context.Context) error {
	unit, err := render("webapp.service.tmpl", map[string]string{
		"RemoteDir": d.spec.Edge.RemoteDir,
		"User":      d.spec.Edge.User,
	})
	if err != nil {
		return err
	}
	return d.installUnit(ctx, AppUnit, unit)
}

// InstallSharedKey installs the shared key pair for the edge user and
// authorizes its public half. Existing remote keys are never replaced.
func (d *Deployer) InstallSharedKey(ctx context.Context) error {
	localKey := d.spec.Edge.SharedKeyPath
	private, err := os.ReadFile(localKey)
	if err != nil {
		d.logger.Warn().Err(err).Str("path", localKey).Msg("Shared private key not found, skipping")
		return nil
	}
	public, err := os.ReadFile(localKey + ".pub")
	if err != nil {
		d.logger.Warn().Err(err).Str("path", localKey+".pub").Msg("Shared public key not found, skipping")
		return nil
	}

	user := d.spec.Edge.User
	sshDir := path.Join("/home", user, ".ssh")
	remoteKey := path.Join(sshDir, filepath.Base(localKey))
	authorized := path.Join(sshDir, "authorized_keys")

	if err := d.sudo(ctx, "mkdir -p "+ssh.ShellQuote(sshDir)); err != nil {
		return err
	}
	if err := d.installIfMissing(ctx, remoteKey, private, secretMode); err != nil {
		return err
	}
	if err := d.installIfMissing(ctx, remoteKey+".pub", public, publicMode); err != nil {
		return err
	}

	if pub := strings.TrimSpace(string(public)); pub != "" {
		quoted := ssh.ShellQuote(pub)
		d.sudoBestEffort(ctx, fmt.Sprintf("grep -qxF %s %s || echo %s >> %s",
			quoted, ssh.ShellQuote(authorized), quoted, ssh.ShellQuote(authorized)))
	}
	d.sudoBestEffort(ctx, "chmod 700 "+ssh.ShellQuote(sshDir))
	d.sudoBestEffort(ctx, "chmod 600 "+ssh.ShellQuote(authorized))
	if err := d.sudo(ctx, fmt.Sprintf("chown -R %s:%s %s", ssh.ShellQuote(user), ssh.ShellQuote(user), ssh.ShellQuote(sshDir))); err != nil {
		return err
	}
	d.logger.Info().Str("key", remoteKey).Msg("Shared key ready")
	return nil
}

func (d *Deployer) installIfMissing(ctx context.Context, remotePath string, content []byte, mode os.FileMode) error {
	exists, err := d.session.Exists(ctx, remotePath)
	if err != nil {
		return err
	}
	if exists {
		d.logger.Info().Str("path", remotePath).Msg("Key already present, keeping it")
		return nil
	}
	return d.session.WriteFile(ctx, remotePath, content, mode, true)
}

// InstallForwarder installs the service that ships probe events to the
// search service at address.
func (d *Deployer) InstallForwarder(ctx context.Context, address string) error {
	if address == "" {
		return engine.NewPermanentError("forwarder needs a cloud address", nil).WithResource(d.spec.Edge.Host)
	}
	d.logger.Info().Str("address", address).Msg("Installing event forwarder")

	script, err := forwarderScript()
	if err != nil {
		return err
	}
	scriptPath := path.Join(d.spec.Edge.RemoteDir, ForwarderName)
	if err := d.session.WriteFile(ctx, scriptPath, script, scriptMode, false); err != nil {
		return err
	}

	env, err := render("forwarder.env.tmpl", map[string]string{
		"Address":  address,
		"Port":     strconv.Itoa(health.SearchPort),
		"Password": d.spec.Secrets.ServicePassword,
	})
	if err != nil {
		return err
	}
	if err := d.writeSystemFile(ctx, ForwarderEnv, env, secretMode); err != nil {
		return err
	}

	unit, err := render("forwarder.service.tmpl", map[string]string{
		"EnvFile": ForwarderEnv,
		"Script":  scriptPath,
	})
	if err != nil {
		return err
	}
	return d.installUnit(ctx, ForwarderUnit, unit)
}

func (d *Deployer) writeSystemFile(ctx context.Context, remotePath string, content []byte, mode os.FileMode) error {
	return d.session.WriteFile(ctx, remotePath, content, mode, true)
}

// installUnit writes a unit, reloads systemd and starts it. Units that did
// not exist before are remembered for Rollback.
func (d *Deployer) installUnit(ctx context.Context, name string, content []byte) error {
	unitPath := UnitPath(name)
	existed, err := d.session.Exists(ctx, unitPath)
	if err != nil {
		return err
	}
	if err := d.writeSystemFile(ctx, unitPath, content, publicMode); err != nil {
		return err
	}
	if !existed {
		d.created = append(d.created, name)
	}
	if err := d.sequence(ctx, "systemctl daemon-reload", "systemctl enable --now "+name); err != nil {
		return err
	}
	d.logger.Info().Str("unit", name).Bool("new", !existed).Msg("Service started")
	return nil
}

// CreatedUnits lists the units this deployer created, in creation order.
func (d *Deployer) CreatedUnits() []string {
	return append([]string(nil), d.created...)
}

// Rollback disables and removes the units created by this deployer, newest
// first. It keeps going after individual failures.
func (d *Deployer) Rollback(ctx context.Context) error {
	var errs []error
	for i := len(d.created) - 1; i >= 0; i-- {
		name := d.created[i]
		d.logger.Warn().Str("unit", name).Msg("Rolling back service")
		if _, err := d.session.Run(ctx, "systemctl disable --now "+name+" || true", engine.RunOptions{Privileged: true}); err != nil {
			errs = append(errs, err)
		}
		if err := d.sudo(ctx, "rm -f "+UnitPath(name)); err != nil {
			errs = append(errs, err)
		}
	}
	if len(d.created) > 0 {
		if err := d.sudo(ctx, "systemctl daemon-reload"); err != nil {
			errs = append(errs, err)
		}
	}
	d.created = nil
	return errors.Join(errs...)
}

// ServiceStatus reports which of the expected units are active.
func (d *Deployer) ServiceStatus(ctx context.Context) (map[string]bool, error) {
	services := d.spec.Edge.Services
	if len(services) == 0 {
		services = []string{ProbeUnit, AppUnit, ForwarderUnit}
	}
	status := make(map[string]bool, len(services))
	for _, name := range services {
		res, err := d.session.Run(ctx, "systemctl is-active --quiet "+ssh.ShellQuote(name), engine.RunOptions{})
		if err != nil {
			return status, err
		}
		status[name] = res.Success()
	}
	return status, nil
}
