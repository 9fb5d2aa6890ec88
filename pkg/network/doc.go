/*
Package network manages named network namespaces and veth plumbing.

A named namespace is a network namespace pinned by bind mounting its
namespace file under /run/contain/netns, following the ip-netns convention:
the kernel keeps a namespace alive only while a process, an open fd, or a
bind mount references it, so the mount is what lets a namespace outlive its
creator. Create briefly switches the calling thread into the new namespace
to capture its file and restores the thread before returning.

CreateVethPair builds the standard two-ended virtual link and moves the
peer end into a named namespace via netlink. Address assignment, bridging,
and NAT are out of scope; containers that need them configure the interface
themselves or are wired up by an external tool.
*/
package network
