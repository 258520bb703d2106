package agent

import (
	"fmt"
	"log/slog"
	"net"
)

// preflight verifies the declared ports are actually free and warns when
// the configured public IP is not bound on any local interface. The IP
// check warns only: hosts behind NAT legitimately disagree.
func (a *Agent) preflight() error {
	ports := map[string]int{
		"network.ssh_port":      a.cfg.Network.SSHPort,
		"network.rental_port_1": a.cfg.Network.RentalPort1,
		"network.rental_port_2": a.cfg.Network.RentalPort2,
	}
	for name, port := range ports {
		if !a.portFree(port) {
			return fmt.Errorf("%s: port %d is already in use", name, port)
		}
	}

	if !localIPMatches(a.cfg.Network.PublicIP) {
		a.logger.Warn("configured public ip not found on any local interface",
			slog.String("public_ip", a.cfg.Network.PublicIP),
		)
	}
	return nil
}

func localIPMatches(publicIP string) bool {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return true
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		if ipNet.IP.String() == publicIP {
			return true
		}
	}
	return false
}
