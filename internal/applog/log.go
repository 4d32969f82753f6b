// Package applog provides level-gated structured logging with an optional
// fire-and-forget push to Loki, shared by every socket-transfer component.
package applog

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	lokiURL    string
	lokiOnce   sync.Once
	lokiClient = &http.Client{Timeout: 200 * time.Millisecond}

	// logging level toggles (defaults: INFO/ERROR on, DEBUG off)
	infoEnabled  = true
	debugEnabled = false
	errorEnabled = true
)

// initLoki lazily reads configs/config.yaml (or .yml) for the Loki push URL
// and the logging level toggles.
func initLoki() {
	lokiURL = ""

	configPath := ""
	for _, candidate := range []string{"configs/config.yaml", "configs/config.yml"} {
		if _, err := os.Stat(candidate); err == nil {
			configPath = candidate
			break
		}
	}
	if configPath != "" {
		var cfg struct {
			Metrics *struct {
				LokiURL string `yaml:"loki_url"`
			} `yaml:"metrics"`
			Logging *struct {
				InfoEnabled  *bool `yaml:"info_enabled"`
				DebugEnabled *bool `yaml:"debug_enabled"`
				ErrorEnabled *bool `yaml:"error_enabled"`
			} `yaml:"logging"`
		}
		if b, err := os.ReadFile(configPath); err == nil {
			if err := yaml.Unmarshal(b, &cfg); err == nil {
				if cfg.Metrics != nil && strings.TrimSpace(cfg.Metrics.LokiURL) != "" {
					lokiURL = strings.TrimSpace(cfg.Metrics.LokiURL)
				}
				if cfg.Logging != nil {
					if cfg.Logging.InfoEnabled != nil {
						infoEnabled = *cfg.Logging.InfoEnabled
					}
					if cfg.Logging.DebugEnabled != nil {
						debugEnabled = *cfg.Logging.DebugEnabled
					}
					if cfg.Logging.ErrorEnabled != nil {
						errorEnabled = *cfg.Logging.ErrorEnabled
					}
				}
			}
		}
	}

	if lokiURL != "" && !strings.Contains(lokiURL, "/loki/api/v1/push") {
		lokiURL = strings.TrimRight(lokiURL, "/") + "/loki/api/v1/push"
	}
}

func levelEnabled(level string) bool {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return debugEnabled
	case "error":
		return errorEnabled
	default:
		return infoEnabled
	}
}

// logEnabled reports whether local log printing should run; suppressed
// inside `go test` binaries to keep test output quiet.
func logEnabled() bool {
	if flag.Lookup("test.v") != nil || flag.Lookup("test.run") != nil || flag.Lookup("test.bench") != nil {
		return false
	}
	return true
}

// Emit prints locally (if enabled) and pushes the same line to Loki with a
// "level" label.
func Emit(level, app string, labels map[string]string, line string) {
	lvl := strings.ToLower(level)
	if logEnabled() && levelEnabled(lvl) {
		log.Print(line)
	}
	PushLokiWithLevel(lvl, app, labels, line)
}

// PushLokiWithLevel sends a single log line with labels to Loki. No-op if
// Loki is not configured or the level is disabled.
func PushLokiWithLevel(level, app string, labels map[string]string, line string) {
	lokiOnce.Do(initLoki)
	if lokiURL == "" || !levelEnabled(level) {
		return
	}

	lbls := map[string]string{
		"app":   app,
		"level": strings.ToLower(strings.TrimSpace(level)),
	}
	for k, v := range labels {
		if strings.TrimSpace(k) == "" {
			continue
		}
		lbls[k] = v
	}

	ts := strconv.FormatInt(time.Now().UnixNano(), 10)
	payload := struct {
		Streams []struct {
			Stream map[string]string `json:"stream"`
			Values [][2]string       `json:"values"`
		} `json:"streams"`
	}{
		Streams: []struct {
			Stream map[string]string `json:"stream"`
			Values [][2]string       `json:"values"`
		}{
			{Stream: lbls, Values: [][2]string{{ts, line}}},
		},
	}

	b, _ := json.Marshal(payload)
	req, err := http.NewRequest("POST", lokiURL, bytes.NewReader(b))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	_, _ = lokiClient.Do(req) // fire-and-forget
}

// MustHostname returns the current hostname or "unknown" on error.
func MustHostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "unknown"
	}
	return h
}

// ---- relay / health-check / udp domain helpers ----

// LogRelayAccept logs an accepted client connection before a target is picked.
func LogRelayAccept(remoteAddr string) {
	labels := map[string]string{"host": MustHostname(), "remote": remoteAddr}
	Emit("debug", "relay", labels, fmt.Sprintf("ACCEPT remote=%s", remoteAddr))
}

// LogRelayDial logs the outbound dial to a chosen target.
func LogRelayDial(remoteAddr string, targetPort int) {
	labels := map[string]string{"host": MustHostname(), "remote": remoteAddr, "target_port": strconv.Itoa(targetPort)}
	Emit("info", "relay", labels, fmt.Sprintf("DIAL remote=%s target_port=%d", remoteAddr, targetPort))
}

// LogRelayDialFailure logs a failed outbound dial to a target.
func LogRelayDialFailure(targetPort int, err error) {
	labels := map[string]string{"host": MustHostname(), "target_port": strconv.Itoa(targetPort)}
	Emit("error", "relay", labels, fmt.Sprintf("DIAL_FAILED target_port=%d err=%v", targetPort, err))
}

// LogRelayLocalError logs a local-side socket error on a spliced session.
func LogRelayLocalError(remoteAddr string, err error) {
	labels := map[string]string{"host": MustHostname(), "remote": remoteAddr}
	Emit("error", "relay", labels, fmt.Sprintf("LOCAL_ERROR remote=%s err=%v", remoteAddr, err))
}

// LogRelayRemoteError logs a remote-side (target) socket error on a spliced session.
func LogRelayRemoteError(targetPort int, err error) {
	labels := map[string]string{"host": MustHostname(), "target_port": strconv.Itoa(targetPort)}
	Emit("error", "relay", labels, fmt.Sprintf("REMOTE_ERROR target_port=%d err=%v", targetPort, err))
}

// LogRelaySessionEnd logs the byte totals of a finished session.
func LogRelaySessionEnd(remoteAddr string, bytesRead, bytesWritten int64) {
	labels := map[string]string{"host": MustHostname(), "remote": remoteAddr}
	Emit("info", "relay", labels, fmt.Sprintf("SESSION_END remote=%s read=%d written=%d", remoteAddr, bytesRead, bytesWritten))
}

// LogNoTarget logs a connection rejected because the balancer had nothing to offer.
func LogNoTarget(remoteAddr string) {
	labels := map[string]string{"host": MustHostname(), "remote": remoteAddr}
	Emit("error", "relay", labels, fmt.Sprintf("NO_TARGET remote=%s", remoteAddr))
}

// LogUnlistenTimeout logs that unlisten exceeded its wall-clock budget.
func LogUnlistenTimeout(budget time.Duration) {
	labels := map[string]string{"host": MustHostname()}
	Emit("error", "relay", labels, fmt.Sprintf("UNLISTEN_TIMEOUT budget=%s", budget))
}

// LogHealthCheckFailed logs the set of targets that failed both probe passes.
func LogHealthCheckFailed(ports []int) {
	labels := map[string]string{"host": MustHostname()}
	Emit("error", "healthcheck", labels, fmt.Sprintf("CHECK_FAILED ports=%v", ports))
}

// LogHealthCheckerError logs an error raised by the checker itself (not a failed probe).
func LogHealthCheckerError(err error) {
	labels := map[string]string{"host": MustHostname()}
	Emit("error", "healthcheck", labels, fmt.Sprintf("CHECKER_ERROR err=%v", err))
}

// LogUDPForwardError logs a forwarding error on one of the UDP sockets.
func LogUDPForwardError(bind string, err error) {
	labels := map[string]string{"host": MustHostname(), "bind": bind}
	Emit("error", "udp", labels, fmt.Sprintf("FORWARD_ERROR bind=%s err=%v", bind, err))
}
