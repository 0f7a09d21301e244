package domain

// CreateServerOpts holds the parameters for creating a new server.
// Required fields must be populated; optional fields may be left at their
// zero values and the hypervisor applies its template defaults.
type CreateServerOpts struct {
	// Required
	UserID     string
	ProductID  string
	HostName   string
	OS         string // key into the configured template map
	Datacenter string // selects the network the server's address comes from

	// Optional
	CPUCores int
	MemoryGB int
}
