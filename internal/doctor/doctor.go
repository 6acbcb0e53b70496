// Package doctor checks that a daemon configuration can serve sessions end
// to end before neurolinkd is started.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/g960059/neurolink/internal/appclient"
	"github.com/g960059/neurolink/internal/artifact"
	"github.com/g960059/neurolink/internal/config"
	"github.com/g960059/neurolink/internal/protocol"
	"github.com/g960059/neurolink/internal/security"
	"github.com/g960059/neurolink/internal/training"
)

const (
	StatusPass = "pass"
	StatusWarn = "warn"
	StatusFail = "fail"
)

type Check struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
}

type Result struct {
	OK       bool     `json:"ok"`
	Checks   []Check  `json:"checks"`
	Warnings []string `json:"warnings,omitempty"`
}

func (r *Result) add(c Check) {
	r.Checks = append(r.Checks, c)
	switch c.Status {
	case StatusWarn:
		r.Warnings = append(r.Warnings, fmt.Sprintf("%s: %s", c.Name, c.Message))
	case StatusFail:
		r.OK = false
	}
}

// Run checks cfg. It never mutates the ledger or the artifact store.
func Run(ctx context.Context, cfg config.Config) Result {
	out := Result{OK: true}
	if err := cfg.Validate(); err != nil {
		out.add(Check{Name: "config", Status: StatusFail, Message: err.Error()})
		return out
	}
	out.add(Check{Name: "config", Status: StatusPass, Message: "valid"})
	out.add(checkProtocols(cfg.ProtocolsDir))
	out.add(checkLedgerPath(cfg.DBPath))

	store, err := artifact.Open(cfg)
	if err != nil {
		out.add(Check{Name: "artifact_store", Status: StatusFail, Message: security.RedactMessage(err.Error())})
		return out
	}
	out.add(Check{Name: "artifact_store", Status: StatusPass, Message: cfg.ArtifactBackend, Path: artifactLocation(cfg)})
	out.add(checkReference(ctx, store, cfg.ReferenceKey))
	out.add(checkDaemon(ctx, cfg.SocketPath))
	return out
}

func checkProtocols(dir string) Check {
	catalog, err := protocol.LoadDir(dir)
	if err != nil {
		return Check{Name: "protocols", Status: StatusFail, Message: err.Error(), Path: dir}
	}
	return Check{Name: "protocols", Status: StatusPass, Message: strings.Join(catalog.Names(), ","), Path: dir}
}

func checkLedgerPath(path string) Check {
	if _, err := os.Stat(path); err == nil {
		return Check{Name: "ledger", Status: StatusPass, Message: "database present", Path: path}
	}
	dir := filepath.Dir(path)
	info, err := os.Stat(dir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return Check{Name: "ledger", Status: StatusWarn, Message: "database directory will be created on start", Path: path}
	case err != nil:
		return Check{Name: "ledger", Status: StatusFail, Message: fmt.Sprintf("stat error: %v", err), Path: path}
	case !info.IsDir():
		return Check{Name: "ledger", Status: StatusFail, Message: "parent is not a directory", Path: path}
	}
	return Check{Name: "ledger", Status: StatusWarn, Message: "database will be created on start", Path: path}
}

func checkReference(ctx context.Context, store artifact.Store, key string) Check {
	ds, err := training.LoadReference(ctx, store, key)
	if err != nil {
		return Check{Name: "reference_dataset", Status: StatusFail, Message: security.RedactMessage(err.Error()), Path: key}
	}
	if len(ds.Epochs) == 0 {
		return Check{Name: "reference_dataset", Status: StatusWarn, Message: "dataset has no epochs", Path: key}
	}
	return Check{
		Name:    "reference_dataset",
		Status:  StatusPass,
		Message: fmt.Sprintf("%d epochs, %d channels @ %gHz", len(ds.Epochs), len(ds.ChannelLabels), ds.SamplingRate),
		Path:    key,
	}
}

func checkDaemon(ctx context.Context, socketPath string) Check {
	if socketPath == "" {
		return Check{Name: "daemon", Status: StatusWarn, Message: "no socket configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	h, err := appclient.New(socketPath).Health(ctx)
	if err != nil {
		return Check{Name: "daemon", Status: StatusWarn, Message: "not running", Path: socketPath}
	}
	return Check{Name: "daemon", Status: StatusPass, Message: fmt.Sprintf("%s, %d live sessions", h.Status, h.LiveSessions), Path: socketPath}
}

func artifactLocation(cfg config.Config) string {
	if cfg.ArtifactBackend == config.ArtifactBackendRemote {
		return security.RedactURL(cfg.ArtifactURL)
	}
	return cfg.ArtifactRoot
}
