package proto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageToServerRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  *MessageToServer
	}{
		{
			name: "handshake",
			msg: &MessageToServer{
				ClientMessageID: 1,
				VpsDbID:         42,
				AgentSecret:     "a2f1c0de-0000-4000-8000-000000000001",
				Handshake: &AgentHandshake{
					AgentIDHint:       "vps-42",
					AgentVersion:      "1.4.0",
					OsType:            OsTypeLinux,
					OsName:            "ubuntu",
					Arch:              "x86_64",
					Hostname:          "web-1",
					PublicIPAddresses: []string{"203.0.113.9", "2001:db8::9"},
					KernelVersion:     "6.8.0-40-generic",
					DistributionID:    "ubuntu",
					PhysicalCoreCount: 8,
					TotalMemoryBytes:  16 << 30,
					CpuStaticInfo: &CpuStaticInfo{
						Name:      "cpu0",
						Frequency: 3400,
						VendorID:  "GenuineIntel",
						Brand:     "Intel(R) Xeon(R)",
					},
					CountryCode: "DE",
				},
			},
		},
		{
			name: "heartbeat",
			msg: &MessageToServer{
				ClientMessageID: 7,
				VpsDbID:         42,
				AgentSecret:     "s",
				Heartbeat:       &Heartbeat{TimestampUnixMs: 1700000000123},
			},
		},
		{
			name: "performance batch",
			msg: &MessageToServer{
				ClientMessageID: 9,
				VpsDbID:         42,
				AgentSecret:     "s",
				PerformanceBatch: &PerformanceBatch{
					Snapshots: []*PerformanceSnapshot{
						{
							TimestampUnixMs:          1700000000000,
							CpuOverallUsagePercent:   12.5,
							MemoryUsageBytes:         4 << 30,
							MemoryTotalBytes:         16 << 30,
							NetworkRxBytesCumulative: 123456789,
							NetworkTxBytesCumulative: 987654321,
							NetworkRxBytesPerSec:     1024,
							NetworkTxBytesPerSec:     2048,
							UptimeSeconds:            86400,
							TotalProcessesCount:      133,
							RunningProcessesCount:    2,
							DiskUsages: []*DiskUsage{
								{MountPoint: "/", UsedBytes: 10 << 30, TotalBytes: 40 << 30, Fstype: "ext4", UsagePercent: 25.0},
							},
						},
						{TimestampUnixMs: 1700000010000, CpuOverallUsagePercent: 99.9},
					},
				},
			},
		},
		{
			name: "command output",
			msg: &MessageToServer{
				VpsDbID:     42,
				AgentSecret: "s",
				BatchCommandOutput: &BatchCommandOutputStream{
					CommandID:       "018e9c1a-0000-7000-8000-000000000002",
					StreamType:      OutputStreamStderr,
					Chunk:           []byte("permission denied\n"),
					TimestampUnixMs: 1700000000456,
				},
			},
		},
		{
			name: "command result failure",
			msg: &MessageToServer{
				VpsDbID:     42,
				AgentSecret: "s",
				BatchCommandResult: &BatchCommandResult{
					CommandID:    "018e9c1a-0000-7000-8000-000000000002",
					Status:       CommandStatusFailure,
					ExitCode:     1,
					ErrorMessage: "nope",
				},
			},
		},
		{
			name: "monitor result",
			msg: &MessageToServer{
				VpsDbID:     42,
				AgentSecret: "s",
				ServiceMonitorResult: &ServiceMonitorResult{
					MonitorID:       5,
					TimestampUnixMs: 1700000000789,
					Successful:      true,
					ResponseTimeMs:  37,
					Details:         `{"status_code":200}`,
				},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := tt.msg.Marshal()
			got := &MessageToServer{}
			require.NoError(t, got.Unmarshal(raw))
			assert.Equal(t, tt.msg, got)
		})
	}
}

func TestMessageToAgentRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  *MessageToAgent
	}{
		{
			name: "handshake ack",
			msg: &MessageToAgent{
				ServerMessageID: 1,
				HandshakeAck: &ServerHandshakeAck{
					AuthenticationSuccessful: true,
					InitialConfigJSON:        []byte(`{"metrics_collect_interval_seconds":10}`),
					ServerTimeUnixMs:         1700000000000,
				},
			},
		},
		{
			name: "handshake nack",
			msg: &MessageToAgent{
				ServerMessageID: 1,
				HandshakeAck: &ServerHandshakeAck{
					ErrorMessage: "authentication failed",
				},
			},
		},
		{
			name: "config push",
			msg: &MessageToAgent{
				ServerMessageID: 3,
				UpdateConfigRequest: &UpdateConfigRequest{
					ConfigVersionID: "v-17",
					NewConfigJSON:   []byte(`{"log_level":"debug"}`),
				},
			},
		},
		{
			name: "command request with env",
			msg: &MessageToAgent{
				ServerMessageID: 4,
				BatchCommandRequest: &BatchAgentCommandRequest{
					CommandID:        "018e9c1a-0000-7000-8000-000000000002",
					Content:          "echo ok",
					WorkingDirectory: "/tmp",
					EnvironmentVariables: map[string]string{
						"FOO": "bar",
						"BAZ": "qux",
					},
					TimeoutSeconds: 300,
				},
			},
		},
		{
			name: "terminate",
			msg: &MessageToAgent{
				ServerMessageID:       5,
				BatchTerminateRequest: &BatchTerminateCommandRequest{CommandID: "c1"},
			},
		},
		{
			name: "trigger update check",
			msg: &MessageToAgent{
				ServerMessageID:    6,
				TriggerUpdateCheck: &TriggerUpdateCheck{},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := tt.msg.Marshal()
			got := &MessageToAgent{}
			require.NoError(t, got.Unmarshal(raw))
			assert.Equal(t, tt.msg, got)
		})
	}
}

func TestUnknownFieldsSkipped(t *testing.T) {
	// A frame produced by a newer peer may carry fields this build does
	// not know. Append an unknown field and verify the known content
	// still decodes.
	msg := &MessageToServer{
		VpsDbID:     42,
		AgentSecret: "s",
		Heartbeat:   &Heartbeat{TimestampUnixMs: 1},
	}
	raw := msg.Marshal()
	// Field 99, varint 7.
	raw = append(raw, 0x98, 0x06, 0x07)

	got := &MessageToServer{}
	require.NoError(t, got.Unmarshal(raw))
	assert.Equal(t, int64(42), got.VpsDbID)
	assert.NotNil(t, got.Heartbeat)
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello frames")
	require.NoError(t, WriteFrame(&buf, payload))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	_, err := ReadFrame(&buf)
	assert.Error(t, err)
}

func TestNegativeExitCodeRoundTrip(t *testing.T) {
	msg := &MessageToServer{
		VpsDbID:     1,
		AgentSecret: "s",
		BatchCommandResult: &BatchCommandResult{
			CommandID: "c",
			Status:    CommandStatusFailure,
			ExitCode:  -1,
		},
	}
	got := &MessageToServer{}
	require.NoError(t, got.Unmarshal(msg.Marshal()))
	assert.Equal(t, int32(-1), got.BatchCommandResult.ExitCode)
}
