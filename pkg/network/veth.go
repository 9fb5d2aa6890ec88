package network

import (
	"fmt"
	"syscall"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"

	"github.com/ipdelete/contain/pkg/errdefs"
)

// CreateVethPair creates a veth pair and moves the peer end into the
// named network namespace, leaving the host end up on this side. This is
// the plumbing step only; addressing, bridging, and NAT are the caller's
// concern.
func (m *Manager) CreateVethPair(hostName, peerName, nsName string) error {
	handle, err := netns.GetFromPath(m.Path(nsName))
	if err != nil {
		return errdefs.NotFound("network namespace", m.Path(nsName))
	}
	defer handle.Close()

	veth := &netlink.Veth{
		LinkAttrs: netlink.LinkAttrs{Name: hostName},
		PeerName:  peerName,
	}
	if err := netlink.LinkAdd(veth); err != nil {
		switch err {
		case syscall.EEXIST:
			return errdefs.AlreadyExists(hostName)
		case syscall.EPERM, syscall.EACCES:
			return errdefs.PermissionDenied(fmt.Sprintf("creating veth pair %s/%s", hostName, peerName))
		}
		return fmt.Errorf("failed to create veth pair %s/%s: %w", hostName, peerName, err)
	}

	peer, err := netlink.LinkByName(peerName)
	if err != nil {
		return fmt.Errorf("failed to find peer %s after creation: %w", peerName, err)
	}
	if err := netlink.LinkSetNsFd(peer, int(handle)); err != nil {
		return fmt.Errorf("failed to move %s into namespace %s: %w", peerName, nsName, err)
	}

	host, err := netlink.LinkByName(hostName)
	if err != nil {
		return fmt.Errorf("failed to find host end %s: %w", hostName, err)
	}
	if err := netlink.LinkSetUp(host); err != nil {
		return fmt.Errorf("failed to bring %s up: %w", hostName, err)
	}
	m.logger.Info().Str("host", hostName).Str("peer", peerName).Str("namespace", nsName).Msg("veth pair created")
	return nil
}

// DeleteLink removes a link on the host side by name.
func (m *Manager) DeleteLink(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return errdefs.NotFound("link", name)
	}
	if err := netlink.LinkDel(link); err != nil {
		return fmt.Errorf("failed to delete link %s: %w", name, err)
	}
	return nil
}
