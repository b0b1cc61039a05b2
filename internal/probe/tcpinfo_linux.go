//go:build linux

package probe

import (
	"net"
	"time"

	"golang.org/x/sys/unix"
)

func readConnStats(conn net.Conn) *TCPStats {
	tcp, ok := unwrapConn(conn).(*net.TCPConn)
	if !ok {
		return nil
	}
	raw, err := tcp.SyscallConn()
	if err != nil {
		return nil
	}
	var info *unix.TCPInfo
	var sockErr error
	if err := raw.Control(func(fd uintptr) {
		info, sockErr = unix.GetsockoptTCPInfo(int(fd), unix.IPPROTO_TCP, unix.TCP_INFO)
	}); err != nil || sockErr != nil || info == nil {
		return nil
	}

	segments := uint64(info.Data_segs_out)
	if segments == 0 {
		segments = uint64(info.Segs_out)
	}
	// rtt and rttvar are reported in microseconds
	return &TCPStats{
		RTT:          time.Duration(info.Rtt) * time.Microsecond,
		RTTVar:       time.Duration(info.Rttvar) * time.Microsecond,
		Retransmits:  uint64(info.Total_retrans),
		SegmentsSent: segments,
	}
}
