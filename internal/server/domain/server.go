package domain

import "time"

// Server is a virtual server managed by the orchestration core.
//
// HypervisorID, Node, and Address are empty until the server has been
// provisioned and are written exactly once, when setting_up resolves to
// running.
type Server struct {
	ID           string    `json:"id"`
	HypervisorID string    `json:"hypervisor_id,omitempty"`
	Node         string    `json:"node,omitempty"`
	HostName     string    `json:"host_name"`
	Address      string    `json:"address,omitempty"`
	Status       Status    `json:"status"`
	LastError    string    `json:"last_error,omitempty"`
	LegacyID     string    `json:"legacy_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`

	// Service is the owning service, populated by reads that join it.
	Service *Service `json:"-"`
}

// Provisioned reports whether the hypervisor has assigned an identity.
func (s *Server) Provisioned() bool {
	return s.HypervisorID != ""
}

// OwnedBy reports whether the server belongs to userID.
func (s *Server) OwnedBy(userID string) bool {
	return s.Service != nil && s.Service.UserID == userID
}

// Service links a user and a product to a server. It references the
// server but does not own its lifecycle.
type Service struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	ProductID string    `json:"product_id"`
	ServerID  string    `json:"server_id"`
	LegacyID  string    `json:"legacy_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
