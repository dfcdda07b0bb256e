// Package peers tracks the remote nodes this server talks to: who they are, how to reach
// them and when they were last heard from.
package peers

import (
	"context"
	"net"
	"time"

	"github.com/google/uuid"

	"voxelshard.ai/internal/protocol"
)

type Role string

const (
	RoleAgent       Role = "agent"
	RoleAvatar      Role = "avatar"
	RoleVoxelServer Role = "voxel-server"
)

func (r Role) Valid() bool {
	switch r {
	case RoleAgent, RoleAvatar, RoleVoxelServer:
		return true
	}
	return false
}

type Peer struct {
	ID        uuid.UUID
	Addr      net.Addr
	Role      Role
	Conn      protocol.Sender
	LastHeard time.Time
}

// Registry is the peer directory used by the packet handlers and the main loop.
type Registry interface {
	PeerByAddr(addr net.Addr) (Peer, bool)
	PeerByID(id uuid.UUID) (Peer, bool)
	MarkHeard(id uuid.UUID, at time.Time)
	// Broadcast sends b to every peer with one of roles and returns how many sends succeeded.
	Broadcast(b []byte, roles ...Role) int
	// CheckIn reports this server's liveness to the directory service.
	CheckIn(ctx context.Context) error
}
