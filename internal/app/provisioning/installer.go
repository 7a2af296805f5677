package provisioning

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/ahrav/fleet-armada/internal/domain/provisioning"
	"github.com/ahrav/fleet-armada/internal/domain/remote"
	"github.com/ahrav/fleet-armada/pkg/common/logger"
)

const (
	checkScriptName   = "check.sh"
	installScriptName = "install.sh"
	defaultStepLabel  = "prepare"
)

// InstallOutcome reports what Install did.
type InstallOutcome string

const (
	OutcomeAlreadyInstalled InstallOutcome = "already_installed"
	OutcomeInstalled        InstallOutcome = "installed"
)

type scriptPair struct {
	check   []string
	install []string
	// hasInstall distinguishes an empty install.sh from a missing one.
	hasInstall bool
}

// Installer runs declarative check/install scripts over a channel. Scripts are
// read once at construction from <family dir>/<service>/{check.sh,install.sh}.
type Installer struct {
	scripts map[domain.OSFamily]map[domain.ServiceType]scriptPair
	log     *logger.Logger
	tracer  trace.Tracer
}

// NewInstaller indexes the scripts in fsys for every known OS family.
// Directories naming unknown services are rejected.
func NewInstaller(fsys fs.FS, log *logger.Logger, tracer trace.Tracer) (*Installer, error) {
	in := &Installer{
		scripts: make(map[domain.OSFamily]map[domain.ServiceType]scriptPair),
		log:     log,
		tracer:  tracer,
	}

	for _, family := range domain.Families() {
		dir := family.ScriptDir()
		entries, err := fs.ReadDir(fsys, dir)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading scripts for %s: %w", family, err)
		}

		byService := make(map[domain.ServiceType]scriptPair)
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			svc, err := domain.ParseServiceType(e.Name())
			if err != nil {
				return nil, fmt.Errorf("scripts for %s: %w", family, err)
			}
			pair, err := loadPair(fsys, path.Join(dir, e.Name()))
			if err != nil {
				return nil, err
			}
			byService[svc] = pair
		}
		in.scripts[family] = byService
	}
	return in, nil
}

func loadPair(fsys fs.FS, dir string) (scriptPair, error) {
	var pair scriptPair

	check, err := fs.ReadFile(fsys, path.Join(dir, checkScriptName))
	switch {
	case err == nil:
		pair.check = splitLines(string(check))
	case !errors.Is(err, fs.ErrNotExist):
		return pair, fmt.Errorf("reading %s/%s: %w", dir, checkScriptName, err)
	}

	install, err := fs.ReadFile(fsys, path.Join(dir, installScriptName))
	switch {
	case err == nil:
		pair.install = splitLines(string(install))
		pair.hasInstall = true
	case !errors.Is(err, fs.ErrNotExist):
		return pair, fmt.Errorf("reading %s/%s: %w", dir, installScriptName, err)
	}
	return pair, nil
}

func splitLines(s string) []string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.Split(s, "\n")
}

// Supports reports whether an install script exists for service on family.
func (in *Installer) Supports(family domain.OSFamily, service domain.ServiceType) bool {
	pair, ok := in.scripts[family][service]
	return ok && pair.hasInstall
}

// Install makes sure service is present on the machine behind ch. If every
// line of the check script succeeds the install script is skipped.
func (in *Installer) Install(
	ctx context.Context,
	ch remote.Channel,
	family domain.OSFamily,
	service domain.ServiceType,
) (InstallOutcome, error) {
	ctx, span := in.tracer.Start(ctx, "provisioning.installer.install",
		trace.WithAttributes(
			attribute.String("machine_id", ch.Target().MachineID),
			attribute.String("os.family", family.String()),
			attribute.String("service", service.String()),
		))
	defer span.End()

	fail := func(err error) (InstallOutcome, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "install failed")
		return "", err
	}

	pair, ok := in.scripts[family][service]
	if !ok || !pair.hasInstall {
		return fail(&domain.ConfigurationError{Family: family, Service: service, Reason: "no " + installScriptName + " found"})
	}

	if len(pair.check) > 0 {
		present, err := in.runCheck(ctx, ch, pair.check)
		if err != nil {
			return fail(fmt.Errorf("checking %s: %w", service, err))
		}
		if present {
			span.SetAttributes(attribute.String("outcome", string(OutcomeAlreadyInstalled)))
			in.log.Info(ctx, "service already installed", "machine_id", ch.Target().MachineID, "service", service)
			return OutcomeAlreadyInstalled, nil
		}
	}

	if err := in.runInstall(ctx, ch, service, pair.install); err != nil {
		return fail(err)
	}

	span.SetAttributes(attribute.String("outcome", string(OutcomeInstalled)))
	in.log.Info(ctx, "service installed", "machine_id", ch.Target().MachineID, "service", service)
	return OutcomeInstalled, nil
}

// runCheck reports whether every command in lines exits zero. A non-zero exit
// means "not installed"; any other failure is returned.
func (in *Installer) runCheck(ctx context.Context, ch remote.Channel, lines []string) (bool, error) {
	for _, line := range lines {
		cmd := strings.TrimSpace(line)
		if cmd == "" || strings.HasPrefix(cmd, "#") {
			continue
		}
		if _, err := ch.Execute(ctx, cmd, 0); err != nil {
			var cmdErr *remote.CommandError
			if errors.As(err, &cmdErr) && cmdErr.Kind == remote.KindNonZeroExit {
				return false, nil
			}
			return false, err
		}
	}
	return true, nil
}

// runInstall executes lines in order. Comment lines label the following
// commands so the first failure can be attributed to a step.
func (in *Installer) runInstall(ctx context.Context, ch remote.Channel, service domain.ServiceType, lines []string) error {
	step := defaultStepLabel
	for _, line := range lines {
		cmd := strings.TrimSpace(line)
		switch {
		case cmd == "":
			continue
		case strings.HasPrefix(cmd, "#"):
			if label := strings.TrimSpace(strings.TrimLeft(cmd, "#")); label != "" && !strings.HasPrefix(label, "!") {
				step = label
			}
			continue
		}

		in.log.Debug(ctx, "running install step", "service", service, "step", step, "command", cmd)
		if _, err := ch.Execute(ctx, cmd, 0); err != nil {
			return &domain.StepError{Service: service, Step: step, Line: cmd, Err: err}
		}
	}
	return nil
}
