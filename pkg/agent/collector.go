package agent

import (
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	proto "github.com/nodenexus/nodenexus/api/proto"
	"github.com/nodenexus/nodenexus/pkg/log"
)

// ioBaseline is the previous counter reading a rate is computed against.
type ioBaseline struct {
	at        time.Time
	diskRead  uint64
	diskWrite uint64
	netRx     uint64
	netTx     uint64
}

// Collector samples the machine. The network interface is chosen once at
// startup; the first collection has no baseline and reports zero rates.
type Collector struct {
	iface string
	prev  *ioBaseline
}

// NewCollector picks the upload interface and returns a collector with
// no baseline.
func NewCollector() *Collector {
	return &Collector{iface: defaultInterface()}
}

// defaultInterface picks the busiest non-virtual interface as a stand-in
// for the default route. Counters from one stable interface keep the
// cumulative series monotonic.
func defaultInterface() string {
	counters, err := gnet.IOCounters(true)
	if err != nil {
		log.WithComponent("collector").Warn().Err(err).Msg("interface enumeration failed")
		return ""
	}
	var best string
	var bestTotal uint64
	for _, c := range counters {
		if isVirtualInterface(c.Name) {
			continue
		}
		if total := c.BytesRecv + c.BytesSent; best == "" || total > bestTotal {
			best, bestTotal = c.Name, total
		}
	}
	return best
}

func isVirtualInterface(name string) bool {
	if name == "lo" || name == "lo0" {
		return true
	}
	for _, prefix := range []string{"docker", "veth", "br-", "virbr", "tun", "tap", "cni", "flannel"} {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// Cumulative reads the chosen interface's current counters.
func (c *Collector) Cumulative() (rx, tx uint64) {
	counters, err := gnet.IOCounters(true)
	if err != nil {
		return 0, 0
	}
	for _, cnt := range counters {
		if cnt.Name == c.iface {
			return cnt.BytesRecv, cnt.BytesSent
		}
	}
	return 0, 0
}

// Collect takes one snapshot. Collection errors degrade the affected
// fields to zero rather than failing the sample.
func (c *Collector) Collect(now time.Time) *proto.PerformanceSnapshot {
	logger := log.WithComponent("collector")
	snap := &proto.PerformanceSnapshot{TimestampUnixMs: now.UnixMilli()}

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		snap.CpuOverallUsagePercent = pct[0]
	} else if err != nil {
		logger.Debug().Err(err).Msg("cpu sample failed")
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		snap.MemoryUsageBytes = vm.Used
		snap.MemoryTotalBytes = vm.Total
	}
	if sw, err := mem.SwapMemory(); err == nil {
		snap.SwapUsageBytes = sw.Used
		snap.SwapTotalBytes = sw.Total
	}

	var diskRead, diskWrite uint64
	if io, err := disk.IOCounters(); err == nil {
		for _, d := range io {
			diskRead += d.ReadBytes
			diskWrite += d.WriteBytes
		}
	}

	if parts, err := disk.Partitions(false); err == nil {
		seen := map[string]bool{}
		for _, p := range parts {
			if seen[p.Mountpoint] {
				continue
			}
			seen[p.Mountpoint] = true
			u, err := disk.Usage(p.Mountpoint)
			if err != nil || u.Total == 0 {
				continue
			}
			snap.DiskUsages = append(snap.DiskUsages, &proto.DiskUsage{
				MountPoint:   p.Mountpoint,
				UsedBytes:    u.Used,
				TotalBytes:   u.Total,
				Fstype:       p.Fstype,
				UsagePercent: u.UsedPercent,
			})
			snap.TotalDiskSpaceBytes += u.Total
			snap.UsedDiskSpaceBytes += u.Used
		}
	}

	var netRx, netTx uint64
	if counters, err := gnet.IOCounters(true); err == nil {
		for _, cnt := range counters {
			if cnt.Name == c.iface {
				netRx, netTx = cnt.BytesRecv, cnt.BytesSent
				break
			}
		}
	}
	snap.NetworkRxBytesCumulative = netRx
	snap.NetworkTxBytesCumulative = netTx

	if up, err := host.Uptime(); err == nil {
		snap.UptimeSeconds = up
	}
	if misc, err := load.Misc(); err == nil {
		snap.TotalProcessesCount = uint32(misc.ProcsTotal)
		snap.RunningProcessesCount = uint32(misc.ProcsRunning)
	}
	if conns, err := gnet.Connections("tcp"); err == nil {
		var established uint32
		for _, conn := range conns {
			if conn.Status == "ESTABLISHED" {
				established++
			}
		}
		snap.TcpEstablishedConnectionCount = established
	}

	cur := &ioBaseline{at: now, diskRead: diskRead, diskWrite: diskWrite, netRx: netRx, netTx: netTx}
	if c.prev != nil {
		elapsed := now.Sub(c.prev.at)
		snap.DiskTotalIoReadBytesPerSec = rate(c.prev.diskRead, diskRead, elapsed)
		snap.DiskTotalIoWriteBytesPerSec = rate(c.prev.diskWrite, diskWrite, elapsed)
		snap.NetworkRxBytesPerSec = rate(c.prev.netRx, netRx, elapsed)
		snap.NetworkTxBytesPerSec = rate(c.prev.netTx, netTx, elapsed)
	}
	c.prev = cur
	return snap
}

// rate converts a counter delta into bytes per second. A counter that
// went backwards (reset) yields zero for this sample.
func rate(prev, cur uint64, elapsed time.Duration) uint64 {
	if cur < prev || elapsed <= 0 {
		return 0
	}
	secs := elapsed.Seconds()
	if secs <= 0 {
		return 0
	}
	return uint64(float64(cur-prev) / secs)
}
