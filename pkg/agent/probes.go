package agent

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	proto "github.com/nodenexus/nodenexus/api/proto"
	"github.com/nodenexus/nodenexus/pkg/types"
)

// probeOutcome is what one probe execution produced.
type probeOutcome struct {
	up      bool
	latency time.Duration
	details map[string]any
}

// runProbe executes one check for the task and returns the wire result.
func runProbe(task *types.ServiceMonitorTask, now time.Time) *proto.ServiceMonitorResult {
	timeout := time.Duration(task.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var out probeOutcome
	switch task.Type {
	case types.MonitorTypeHTTP, types.MonitorTypeHTTPS:
		out = httpProbe(task, timeout)
	case types.MonitorTypeTCP:
		out = tcpProbe(task.Target, timeout)
	case types.MonitorTypePing:
		out = pingProbe(task.Target, timeout)
	default:
		out = probeOutcome{details: map[string]any{"error": fmt.Sprintf("unknown monitor type %q", task.Type)}}
	}

	res := &proto.ServiceMonitorResult{
		MonitorID:       task.MonitorID,
		TimestampUnixMs: now.UnixMilli(),
		Successful:      out.up,
		ResponseTimeMs:  int32(out.latency.Milliseconds()),
	}
	if len(out.details) > 0 {
		if raw, err := json.Marshal(out.details); err == nil {
			res.Details = string(raw)
		}
	}
	return res
}

// httpProbeConfig is the monitor's optional JSON config for HTTP checks.
type httpProbeConfig struct {
	Method             string            `json:"method,omitempty"`
	Headers            map[string]string `json:"headers,omitempty"`
	ExpectedStatusCode int               `json:"expected_status_code,omitempty"`
	BodyContains       string            `json:"body_contains,omitempty"`
	InsecureSkipVerify bool              `json:"insecure_skip_verify,omitempty"`
}

func httpProbe(task *types.ServiceMonitorTask, timeout time.Duration) probeOutcome {
	var cfg httpProbeConfig
	if len(task.MonitorConfig) > 0 {
		_ = json.Unmarshal(task.MonitorConfig, &cfg)
	}
	method := cfg.Method
	if method == "" {
		method = http.MethodGet
	}

	client := &http.Client{Timeout: timeout}
	if cfg.InsecureSkipVerify {
		client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	req, err := http.NewRequest(method, task.Target, nil)
	if err != nil {
		return probeOutcome{details: map[string]any{"error": err.Error()}}
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return probeOutcome{latency: latency, details: map[string]any{"error": err.Error()}}
	}
	defer resp.Body.Close()

	up := resp.StatusCode < 400
	if cfg.ExpectedStatusCode != 0 {
		up = resp.StatusCode == cfg.ExpectedStatusCode
	}
	details := map[string]any{"status_code": resp.StatusCode}
	if cfg.BodyContains != "" && up {
		buf := make([]byte, 64*1024)
		n, _ := resp.Body.Read(buf)
		if !strings.Contains(string(buf[:n]), cfg.BodyContains) {
			up = false
			details["error"] = "expected body content not found"
		}
	}
	return probeOutcome{up: up, latency: latency, details: details}
}

func tcpProbe(target string, timeout time.Duration) probeOutcome {
	start := time.Now()
	conn, err := net.DialTimeout("tcp", target, timeout)
	latency := time.Since(start)
	if err != nil {
		return probeOutcome{latency: latency, details: map[string]any{"error": err.Error()}}
	}
	conn.Close()
	return probeOutcome{up: true, latency: latency}
}

// pingProbe sends one ICMP echo with a random identifier. The listener
// uses the unprivileged udp4 socket type so the agent does not need
// CAP_NET_RAW on Linux.
func pingProbe(target string, timeout time.Duration) probeOutcome {
	dst, err := net.ResolveIPAddr("ip4", target)
	if err != nil {
		return probeOutcome{details: map[string]any{"error": err.Error()}}
	}

	conn, err := icmp.ListenPacket("udp4", "0.0.0.0")
	if err != nil {
		return probeOutcome{details: map[string]any{"error": err.Error()}}
	}
	defer conn.Close()

	id := rand.Intn(1 << 16)
	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Body: &icmp.Echo{ID: id, Seq: 1, Data: []byte("nodenexus")},
	}
	raw, err := msg.Marshal(nil)
	if err != nil {
		return probeOutcome{details: map[string]any{"error": err.Error()}}
	}

	start := time.Now()
	if _, err := conn.WriteTo(raw, &net.UDPAddr{IP: dst.IP}); err != nil {
		return probeOutcome{details: map[string]any{"error": err.Error()}}
	}
	_ = conn.SetReadDeadline(start.Add(timeout))

	reply := make([]byte, 1500)
	for {
		n, _, err := conn.ReadFrom(reply)
		latency := time.Since(start)
		if err != nil {
			details := map[string]any{"error": err.Error()}
			if os.IsTimeout(err) {
				details["error"] = "echo reply timeout"
			}
			return probeOutcome{latency: latency, details: details}
		}
		parsed, err := icmp.ParseMessage(1, reply[:n])
		if err != nil {
			continue
		}
		if parsed.Type == ipv4.ICMPTypeEchoReply {
			return probeOutcome{up: true, latency: latency}
		}
	}
}
