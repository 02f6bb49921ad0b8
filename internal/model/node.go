package model

// Resources describes a quantity of cpu/memory, either total capacity or
// a free/requested amount.
type Resources struct {
	CPUCount    uint32 `json:"cpu_count"`
	MemoryBytes uint64 `json:"memory_bytes"`
}

// Fits reports whether r has enough headroom to satisfy need.
func (r Resources) Fits(need Resources) bool {
	return r.CPUCount >= need.CPUCount && r.MemoryBytes >= need.MemoryBytes
}

// Sub returns r minus need. Callers must check Fits first; Sub does not
// clamp at zero.
func (r Resources) Sub(need Resources) Resources {
	return Resources{
		CPUCount:    r.CPUCount - need.CPUCount,
		MemoryBytes: r.MemoryBytes - need.MemoryBytes,
	}
}

// Add returns r plus delta.
func (r Resources) Add(delta Resources) Resources {
	return Resources{
		CPUCount:    r.CPUCount + delta.CPUCount,
		MemoryBytes: r.MemoryBytes + delta.MemoryBytes,
	}
}

// Node is the master's registry record for a worker.
type Node struct {
	ID            string          `json:"id"`
	Address       string          `json:"address"`
	Total         Resources       `json:"total"`
	Free          Resources       `json:"free"`
	LastHeartbeat int64           `json:"last_heartbeat"`
	AssignedJobs  map[uint64]bool `json:"-"`
}

// Clone returns a copy of n with its own AssignedJobs map.
func (n *Node) Clone() *Node {
	cp := *n
	cp.AssignedJobs = make(map[uint64]bool, len(n.AssignedJobs))
	for id := range n.AssignedJobs {
		cp.AssignedJobs[id] = true
	}
	return &cp
}
