package computation

import "time"

// NodeKey is one member of the cluster's signing set.
type NodeKey struct {
	Index     uint16 `json:"index"`
	PublicKey string `json:"public_key"`
}

// ClusterConfig is the compute cluster registered with the ledger runtime:
// its current signing set and the MXE key callers seal operands to.
type ClusterConfig struct {
	Epoch        uint64    `json:"epoch"`
	Threshold    int       `json:"threshold"`
	Nodes        []NodeKey `json:"nodes"`
	MXEPublicKey PublicKey `json:"mxe_public_key"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Configured reports whether a usable signing set is present.
func (c ClusterConfig) Configured() bool {
	return c.Threshold > 0 && len(c.Nodes) >= c.Threshold
}
