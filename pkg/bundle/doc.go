/*
Package bundle owns the on-disk OCI-style bundle format.

A bundle is a directory holding a config.json (runtime configuration, typed
with the opencontainers runtime-spec structs) and a rootfs/ directory (the
container's root filesystem). Init creates the layout atomically in a
directory that must not pre-exist; Load parses and validates config.json,
rejecting missing or wrong-typed required fields (ociVersion, root.path,
process.args) with InvalidSpec rather than defaulting them.

The store guarantees a round trip: the Bundle value returned by Init equals
the one a subsequent Load yields, modulo OS metadata. Config writes always
go through a temp-file-and-rename so a crash never leaves a torn
config.json.

Only root.path == "rootfs" is accepted; this runtime does not resolve
arbitrary root locations.
*/
package bundle
