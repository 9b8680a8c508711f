package provisioning

import "popup/internal/cloud"

const anywhere = "0.0.0.0/0"

// IngressRules returns the inbound rules every popup security group gets:
// SSH, OpenVPN over TCP and UDP, Mosh, HTTP/S and Tor.
func IngressRules() []cloud.IngressRule {
	return []cloud.IngressRule{
		{Protocol: "tcp", FromPort: 22, ToPort: 22, CIDR: anywhere},
		{Protocol: "tcp", FromPort: 1194, ToPort: 1194, CIDR: anywhere},
		{Protocol: "udp", FromPort: 1194, ToPort: 1194, CIDR: anywhere},
		{Protocol: "udp", FromPort: 60000, ToPort: 61000, CIDR: anywhere},
		{Protocol: "tcp", FromPort: 80, ToPort: 80, CIDR: anywhere},
		{Protocol: "tcp", FromPort: 443, ToPort: 443, CIDR: anywhere},
		{Protocol: "tcp", FromPort: 9001, ToPort: 9001, CIDR: anywhere},
		{Protocol: "tcp", FromPort: 9030, ToPort: 9030, CIDR: anywhere},
	}
}
