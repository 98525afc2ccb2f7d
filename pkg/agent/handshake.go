package agent

import (
	"net"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	proto "github.com/nodenexus/nodenexus/api/proto"
)

// buildHandshake collects the static facts reported once per session.
// Individual collection failures leave their fields empty; the server
// treats everything here as best-effort metadata.
func buildHandshake(version string) *proto.AgentHandshake {
	hs := &proto.AgentHandshake{
		AgentVersion: version,
		Arch:         runtime.GOARCH,
		OsType:       osType(),
	}

	if info, err := host.Info(); err == nil {
		hs.Hostname = info.Hostname
		hs.OsName = info.OS
		hs.KernelVersion = info.KernelVersion
		hs.OsVersionDetail = info.PlatformVersion
		hs.LongOsVersion = info.Platform + " " + info.PlatformVersion
		hs.DistributionID = info.Platform
	}

	if n, err := cpu.Counts(false); err == nil {
		hs.PhysicalCoreCount = int32(n)
	}
	if infos, err := cpu.Info(); err == nil && len(infos) > 0 {
		hs.CpuStaticInfo = &proto.CpuStaticInfo{
			Name:      infos[0].ModelName,
			Frequency: uint64(infos[0].Mhz),
			VendorID:  infos[0].VendorID,
			Brand:     infos[0].ModelName,
		}
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		hs.TotalMemoryBytes = vm.Total
	}
	if sw, err := mem.SwapMemory(); err == nil {
		hs.TotalSwapBytes = sw.Total
	}
	hs.PublicIPAddresses = publicAddresses()
	return hs
}

func osType() proto.OsType {
	switch runtime.GOOS {
	case "linux":
		return proto.OsTypeLinux
	case "darwin":
		return proto.OsTypeMacOS
	case "windows":
		return proto.OsTypeWindows
	}
	return proto.OsTypeUnspecified
}

// publicAddresses returns the machine's global unicast addresses.
func publicAddresses() []string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	var out []string
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipNet.IP
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsPrivate() {
			continue
		}
		out = append(out, ip.String())
	}
	return out
}
