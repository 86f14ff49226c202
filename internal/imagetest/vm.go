package imagetest

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/google/uuid"
	libvirt "libvirt.org/go/libvirt"

	"github.com/altcloud/cloud-build/internal/logging"
)

//go:embed testdomain.xml
var testDomainTemplate string

const (
	defaultAgentRetries = 24
	defaultAgentDelay   = 5 * time.Second
	defaultCommandWait  = 10 * time.Minute
)

// VMDriver boots a disk image as a transient libvirt domain, waits for the
// guest agent and runs the smoke command inside the guest.
type VMDriver struct {
	ConnectionURI string
	Logger        *slog.Logger

	MemoryMB int
	VCPUs    int
	// Timeout bounds the in-guest smoke command; zero means a default.
	Timeout time.Duration
}

type domainData struct {
	Name     string
	MemoryMB int
	VCPUs    int
	DiskPath string
	SeedPath string
}

// Test boots the image and runs the smoke command through the guest agent.
func (d *VMDriver) Test(ctx context.Context, imagePath string) error {
	logger := logging.Ensure(d.Logger).With("driver", "vm")

	seedPath, err := writeSeedImage(filepath.Dir(imagePath))
	if err != nil {
		return err
	}

	data := domainData{
		Name:     "cloud-build-test-" + uuid.NewString()[:8],
		MemoryMB: d.MemoryMB,
		VCPUs:    d.VCPUs,
		DiskPath: imagePath,
		SeedPath: seedPath,
	}
	if data.MemoryMB <= 0 {
		data.MemoryMB = 2048
	}
	if data.VCPUs <= 0 {
		data.VCPUs = 2
	}

	domainXML, err := renderDomainXML(data)
	if err != nil {
		return err
	}

	uri := d.ConnectionURI
	if uri == "" {
		uri = "qemu:///system"
	}
	conn, err := libvirt.NewConnect(uri)
	if err != nil {
		return fmt.Errorf("connect to libvirt: %w", err)
	}
	defer conn.Close()

	logger.Info("booting test domain", "domain", data.Name)
	domain, err := conn.DomainCreateXML(domainXML, libvirt.DOMAIN_NONE)
	if err != nil {
		return fmt.Errorf("create test domain: %w", err)
	}
	defer func() {
		if destroyErr := domain.Destroy(); destroyErr != nil {
			logger.Warn("destroy test domain", "error", destroyErr)
		}
		domain.Free()
	}()

	if err := waitForGuestAgent(domain, defaultAgentDelay, defaultAgentRetries); err != nil {
		return err
	}

	timeout := d.Timeout
	if timeout <= 0 {
		timeout = defaultCommandWait
	}

	logger.Info("running smoke command", "domain", data.Name)
	result, err := runGuestCommand(ctx, domain, "/bin/sh", []string{"-c", smokeCommand}, timeout)
	if err != nil {
		return err
	}
	logger.Debug("smoke command finished", "stdout_bytes", len(result.Stdout))
	return nil
}

func renderDomainXML(data domainData) (string, error) {
	tmpl, err := template.New("testdomain").Parse(testDomainTemplate)
	if err != nil {
		return "", fmt.Errorf("parse domain template: %w", err)
	}
	var rendered bytes.Buffer
	if err := tmpl.Execute(&rendered, data); err != nil {
		return "", fmt.Errorf("render domain definition: %w", err)
	}
	return rendered.String(), nil
}

type guestCommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

type guestExecRequest struct {
	Execute   string `json:"execute"`
	Arguments struct {
		Path          string   `json:"path"`
		Arg           []string `json:"arg"`
		CaptureOutput bool     `json:"capture-output"`
	} `json:"arguments"`
}

type guestExecStatusRequest struct {
	Execute   string `json:"execute"`
	Arguments struct {
		PID int `json:"pid"`
	} `json:"arguments"`
}

func waitForGuestAgent(domain *libvirt.Domain, delay time.Duration, retries int) error {
	if retries <= 0 {
		retries = 1
	}
	for i := 0; i < retries; i++ {
		_, err := domain.QemuAgentCommand(
			`{"execute":"guest-info"}`,
			libvirt.DOMAIN_QEMU_AGENT_COMMAND_DEFAULT,
			0,
		)
		if err == nil {
			return nil
		}
		time.Sleep(delay)
	}
	return fmt.Errorf("timeout waiting for guest agent after %d attempts", retries)
}

func runGuestCommand(ctx context.Context, domain *libvirt.Domain, path string, args []string, timeout time.Duration) (guestCommandResult, error) {
	var req guestExecRequest
	req.Execute = "guest-exec"
	req.Arguments.Path = path
	req.Arguments.Arg = args
	req.Arguments.CaptureOutput = true

	payload, err := json.Marshal(req)
	if err != nil {
		return guestCommandResult{}, fmt.Errorf("marshal guest exec request: %w", err)
	}

	resp, err := domain.QemuAgentCommand(string(payload), libvirt.DOMAIN_QEMU_AGENT_COMMAND_DEFAULT, 0)
	if err != nil {
		return guestCommandResult{}, fmt.Errorf("invoke guest exec: %w", err)
	}

	var execResp struct {
		Return struct {
			PID int `json:"pid"`
		} `json:"return"`
	}
	if err := json.Unmarshal([]byte(resp), &execResp); err != nil {
		return guestCommandResult{}, fmt.Errorf("decode guest exec response: %w", err)
	}
	if execResp.Return.PID == 0 {
		return guestCommandResult{}, errors.New("guest exec returned invalid pid")
	}

	return waitForGuestCommand(ctx, domain, execResp.Return.PID, timeout)
}

func waitForGuestCommand(ctx context.Context, domain *libvirt.Domain, pid int, timeout time.Duration) (guestCommandResult, error) {
	var req guestExecStatusRequest
	req.Execute = "guest-exec-status"
	req.Arguments.PID = pid

	payload, err := json.Marshal(req)
	if err != nil {
		return guestCommandResult{}, fmt.Errorf("marshal guest exec status request: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for {
		if err := ctx.Err(); err != nil {
			return guestCommandResult{}, err
		}

		resp, err := domain.QemuAgentCommand(string(payload), libvirt.DOMAIN_QEMU_AGENT_COMMAND_DEFAULT, 0)
		if err != nil {
			return guestCommandResult{}, fmt.Errorf("query guest exec status: %w", err)
		}

		var status struct {
			Return struct {
				Exited   bool   `json:"exited"`
				ExitCode int    `json:"exitcode"`
				OutData  string `json:"out-data"`
				ErrData  string `json:"err-data"`
			} `json:"return"`
		}
		if err := json.Unmarshal([]byte(resp), &status); err != nil {
			return guestCommandResult{}, fmt.Errorf("decode guest exec status: %w", err)
		}

		if status.Return.Exited {
			result := guestCommandResult{
				ExitCode: status.Return.ExitCode,
				Stdout:   decodeBase64(status.Return.OutData),
				Stderr:   decodeBase64(status.Return.ErrData),
			}
			if status.Return.ExitCode != 0 {
				return result, fmt.Errorf("guest command exit code %d: %s", status.Return.ExitCode, strings.TrimSpace(result.Stderr))
			}
			return result, nil
		}

		if time.Now().After(deadline) {
			return guestCommandResult{}, errors.New("guest command timed out")
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func decodeBase64(data string) string {
	if strings.TrimSpace(data) == "" {
		return ""
	}
	decoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return ""
	}
	return string(decoded)
}
