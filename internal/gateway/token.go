package gateway

import "os"

// LoadGatewayToken reads the shared gateway token from its single
// configuration surface: the CLAWDIS_GATEWAY_TOKEN environment variable.
// An empty return means the gateway accepts any hello (no auth configured).
func LoadGatewayToken() string {
	return os.Getenv("CLAWDIS_GATEWAY_TOKEN")
}
