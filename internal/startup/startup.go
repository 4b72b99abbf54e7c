// Package startup runs preflight diagnostics before the orchestrator wires
// its components.
package startup

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"sentinelops/internal/config"
)

// DiagnosticResult represents the result of a diagnostic check
type DiagnosticResult struct {
	Name    string
	Status  Status
	Message string
	Details map[string]string
}

// Status represents the status of a diagnostic check
type Status int

const (
	StatusOK Status = iota
	StatusWarning
	StatusError
	StatusSkipped
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusWarning:
		return "WARNING"
	case StatusError:
		return "ERROR"
	case StatusSkipped:
		return "SKIPPED"
	default:
		return "UNKNOWN"
	}
}

// DialFunc opens a connection to a dependency.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Diagnostics runs all startup diagnostics
type Diagnostics struct {
	cfg     *config.Config
	results []DiagnosticResult
	logger  *slog.Logger
	dial    DialFunc
	timeout time.Duration
}

// NewDiagnostics creates a new diagnostics runner
func NewDiagnostics(cfg *config.Config, logger *slog.Logger) *Diagnostics {
	if logger == nil {
		logger = slog.Default()
	}
	var dialer net.Dialer
	return &Diagnostics{
		cfg:     cfg,
		logger:  logger,
		dial:    dialer.DialContext,
		timeout: 3 * time.Second,
	}
}

// SetDialer replaces the dependency dialer.
func (d *Diagnostics) SetDialer(dial DialFunc) {
	d.dial = dial
}

// RunAll runs all diagnostic checks
func (d *Diagnostics) RunAll(ctx context.Context) []DiagnosticResult {
	d.logger.Info("running startup diagnostics")

	d.checkSystem()
	d.checkDirectories()
	d.checkConfiguration()
	d.checkPorts()
	d.checkSecurityConfiguration()
	d.checkDependencies(ctx)

	d.printSummary()

	return d.results
}

// Results returns the results recorded so far.
func (d *Diagnostics) Results() []DiagnosticResult {
	return d.results
}

func (d *Diagnostics) addResult(result DiagnosticResult) {
	d.results = append(d.results, result)

	attrs := []any{
		"check", result.Name,
		"status", result.Status.String(),
	}
	if result.Message != "" {
		attrs = append(attrs, "message", result.Message)
	}
	for k, v := range result.Details {
		attrs = append(attrs, k, v)
	}

	switch result.Status {
	case StatusOK:
		d.logger.Info("diagnostic check passed", attrs...)
	case StatusWarning:
		d.logger.Warn("diagnostic check warning", attrs...)
	case StatusError:
		d.logger.Error("diagnostic check failed", attrs...)
	case StatusSkipped:
		d.logger.Debug("diagnostic check skipped", attrs...)
	}
}

func (d *Diagnostics) checkSystem() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	d.addResult(DiagnosticResult{
		Name:    "runtime",
		Status:  StatusOK,
		Message: "Go runtime detected",
		Details: map[string]string{
			"go_version":     runtime.Version(),
			"os":             runtime.GOOS,
			"arch":           runtime.GOARCH,
			"cpus":           strconv.Itoa(runtime.NumCPU()),
			"sys_mb":         fmt.Sprintf("%.2f", float64(m.Sys)/1024/1024),
			"num_goroutines": strconv.Itoa(runtime.NumGoroutine()),
		},
	})
}

type directory struct {
	path     string
	required bool
	create   bool
}

func (d *Diagnostics) directories() []directory {
	var dirs []directory
	if d.cfg.Storage.Driver == "badger" && !d.cfg.Storage.Badger.InMemory && d.cfg.Storage.Badger.Path != "" {
		dirs = append(dirs, directory{path: d.cfg.Storage.Badger.Path, create: true})
	}
	if p := d.cfg.Approval.RulesPath; p != "" {
		dirs = append(dirs, directory{path: filepath.Dir(p), required: true})
	}
	return dirs
}

func (d *Diagnostics) checkDirectories() {
	for _, dir := range d.directories() {
		name := "directory_" + dir.path
		info, err := os.Stat(dir.path)
		switch {
		case os.IsNotExist(err) && dir.create:
			if err := os.MkdirAll(dir.path, 0750); err != nil {
				d.addResult(DiagnosticResult{
					Name:    name,
					Status:  StatusError,
					Message: fmt.Sprintf("Failed to create directory: %s", err),
				})
				continue
			}
			d.addResult(DiagnosticResult{
				Name:    name,
				Status:  StatusOK,
				Message: "Directory created",
				Details: map[string]string{"path": dir.path},
			})
		case os.IsNotExist(err) && dir.required:
			d.addResult(DiagnosticResult{
				Name:    name,
				Status:  StatusError,
				Message: "Required directory missing",
				Details: map[string]string{"path": dir.path},
			})
		case os.IsNotExist(err):
			d.addResult(DiagnosticResult{
				Name:    name,
				Status:  StatusWarning,
				Message: "Optional directory missing",
				Details: map[string]string{"path": dir.path},
			})
		case err != nil:
			d.addResult(DiagnosticResult{
				Name:    name,
				Status:  StatusError,
				Message: fmt.Sprintf("Error checking directory: %s", err),
			})
		case !info.IsDir():
			d.addResult(DiagnosticResult{
				Name:    name,
				Status:  StatusError,
				Message: "Path exists but is not a directory",
				Details: map[string]string{"path": dir.path},
			})
		default:
			d.addResult(DiagnosticResult{
				Name:    name,
				Status:  StatusOK,
				Message: "Directory exists",
				Details: map[string]string{"path": dir.path},
			})
		}
	}
}

func (d *Diagnostics) checkConfiguration() {
	configPath := os.Getenv("SENTINEL_CONFIG_PATH")
	if configPath == "" {
		configPath = config.DefaultPath
	}

	if fileExists(configPath) {
		d.addResult(DiagnosticResult{
			Name:    "config_file",
			Status:  StatusOK,
			Message: "Config file found",
			Details: map[string]string{"path": configPath},
		})
	} else {
		d.addResult(DiagnosticResult{
			Name:    "config_file",
			Status:  StatusWarning,
			Message: "Config file not found, using defaults",
			Details: map[string]string{"path": configPath},
		})
	}

	if err := d.cfg.Validate(); err != nil {
		d.addResult(DiagnosticResult{
			Name:    "config_validation",
			Status:  StatusError,
			Message: fmt.Sprintf("Configuration validation failed: %s", err),
		})
	} else {
		d.addResult(DiagnosticResult{
			Name:    "config_validation",
			Status:  StatusOK,
			Message: "Configuration is valid",
		})
	}

	switch p := d.cfg.Approval.RulesPath; {
	case p == "":
		d.addResult(DiagnosticResult{
			Name:    "approval_rules",
			Status:  StatusWarning,
			Message: "No rules file, every action needs manual approval",
		})
	case !fileExists(p):
		d.addResult(DiagnosticResult{
			Name:    "approval_rules",
			Status:  StatusError,
			Message: "Approval rules file missing",
			Details: map[string]string{"path": p},
		})
	default:
		d.addResult(DiagnosticResult{
			Name:    "approval_rules",
			Status:  StatusOK,
			Message: "Approval rules file found",
			Details: map[string]string{"path": p},
		})
	}
}

func (d *Diagnostics) checkPorts() {
	port := d.cfg.Server.HTTPPort
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		d.addResult(DiagnosticResult{
			Name:    "port_http",
			Status:  StatusError,
			Message: fmt.Sprintf("Port %d is not available: %s", port, err),
			Details: map[string]string{"port": strconv.Itoa(port)},
		})
		return
	}
	listener.Close()
	d.addResult(DiagnosticResult{
		Name:    "port_http",
		Status:  StatusOK,
		Message: fmt.Sprintf("Port %d is available", port),
		Details: map[string]string{"port": strconv.Itoa(port)},
	})
}

// flag records an OK result when ok holds and a warning otherwise.
func (d *Diagnostics) flag(name string, ok bool, okMsg, warnMsg, recommendation string) {
	if ok {
		d.addResult(DiagnosticResult{Name: name, Status: StatusOK, Message: okMsg})
		return
	}
	var details map[string]string
	if recommendation != "" {
		details = map[string]string{"recommendation": recommendation}
	}
	d.addResult(DiagnosticResult{Name: name, Status: StatusWarning, Message: warnMsg, Details: details})
}

func (d *Diagnostics) checkSecurityConfiguration() {
	d.flag("audit_signing_secret", d.cfg.Audit.SigningSecret != "",
		"Audit signing secret is set",
		"Audit signing secret is EMPTY, chains cannot be verified after a restart",
		"Set audit.signing_secret or SENTINEL_AUDIT_SECRET")

	d.flag("error_sanitization", d.cfg.Server.SanitizeErrors,
		"API error sanitization is enabled",
		"API error sanitization is DISABLED",
		"Set server.sanitize_errors=true for production")

	d.flag("rate_limiting", d.cfg.RateLimit.Enabled,
		"Rate limiting is enabled",
		"Rate limiting is DISABLED",
		"Enable rate limiting for production")

	d.flag("security_headers", d.cfg.SecurityHeaders.Enabled,
		"Security headers are enabled",
		"Security headers are DISABLED",
		"")

	if d.cfg.Transport.Driver == "kafka" && d.cfg.Transport.Kafka != nil {
		k := d.cfg.Transport.Kafka
		tls := k.TLSEnabled || k.SecurityProtocol == "SSL" || k.SecurityProtocol == "SASL_SSL"
		d.flag("kafka_tls", tls,
			"Kafka connections use TLS",
			"Kafka is running WITHOUT TLS encryption",
			"Set transport.kafka.tls_enabled=true")
		if tls && k.TLSSkipVerify {
			d.addResult(DiagnosticResult{
				Name:    "kafka_tls_verify",
				Status:  StatusWarning,
				Message: "Kafka TLS certificate verification is disabled",
			})
		}
	}

	if d.cfg.Redis.Enabled {
		d.flag("redis_tls", d.cfg.Redis.TLSEnabled,
			"Redis connections use TLS",
			"Redis is running WITHOUT TLS encryption",
			"Set redis.tls_enabled=true")
	}
}

// dependency is a network service the orchestrator needs at startup.
type dependency struct {
	name string
	addr string
}

func (d *Diagnostics) dependencies() []dependency {
	var deps []dependency
	if d.cfg.Storage.Driver == "postgres" {
		deps = append(deps, dependency{"postgres", postgresAddr(d.cfg.Storage.Postgres.DSN)})
	}
	if d.cfg.Transport.Driver == "kafka" && d.cfg.Transport.Kafka != nil && len(d.cfg.Transport.Kafka.Brokers) > 0 {
		deps = append(deps, dependency{"kafka", d.cfg.Transport.Kafka.Brokers[0]})
	}
	if d.cfg.Redis.Enabled {
		deps = append(deps, dependency{"redis", d.cfg.Redis.Addr})
	}
	if d.cfg.Archive.Enabled {
		host := "localhost:9000"
		if len(d.cfg.Archive.ClickHouse.Hosts) > 0 {
			host = d.cfg.Archive.ClickHouse.Hosts[0]
		}
		deps = append(deps, dependency{"clickhouse", host})
	}
	return deps
}

func (d *Diagnostics) checkDependencies(ctx context.Context) {
	for _, dep := range d.dependencies() {
		name := dep.name + "_connectivity"
		if dep.addr == "" {
			d.addResult(DiagnosticResult{
				Name:    name,
				Status:  StatusSkipped,
				Message: "Address could not be determined",
			})
			continue
		}

		dialCtx, cancel := context.WithTimeout(ctx, d.timeout)
		conn, err := d.dial(dialCtx, "tcp", dep.addr)
		cancel()
		if err != nil {
			d.addResult(DiagnosticResult{
				Name:    name,
				Status:  StatusError,
				Message: fmt.Sprintf("Cannot connect to %s: %s", dep.name, err),
				Details: map[string]string{"addr": dep.addr},
			})
			continue
		}
		conn.Close()
		d.addResult(DiagnosticResult{
			Name:    name,
			Status:  StatusOK,
			Message: dep.name + " is reachable",
			Details: map[string]string{"addr": dep.addr},
		})
	}
}

// postgresAddr extracts host:port from a URL-form DSN. Key/value DSNs
// yield an empty address.
func postgresAddr(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.Host == "" {
		return ""
	}
	if u.Port() == "" {
		return net.JoinHostPort(u.Hostname(), "5432")
	}
	return u.Host
}

func (d *Diagnostics) printSummary() {
	var ok, warnings, errors, skipped int
	for _, r := range d.results {
		switch r.Status {
		case StatusOK:
			ok++
		case StatusWarning:
			warnings++
		case StatusError:
			errors++
		case StatusSkipped:
			skipped++
		}
	}

	d.logger.Info("diagnostics summary",
		"passed", ok,
		"warnings", warnings,
		"errors", errors,
		"skipped", skipped,
	)

	if errors > 0 {
		d.logger.Error("startup diagnostics found critical errors")
	} else if warnings > 0 {
		d.logger.Warn("startup diagnostics found warnings, review for production readiness")
	} else {
		d.logger.Info("all startup diagnostics passed")
	}
}

// HasErrors returns true if any diagnostic check failed
func (d *Diagnostics) HasErrors() bool {
	for _, r := range d.results {
		if r.Status == StatusError {
			return true
		}
	}
	return false
}

// HasWarnings returns true if any diagnostic check has warnings
func (d *Diagnostics) HasWarnings() bool {
	for _, r := range d.results {
		if r.Status == StatusWarning {
			return true
		}
	}
	return false
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
