// Package file provides the filesystem side of a TFTP transfer: the access
// guard that confines every request to its root directory, and the stream
// helpers a transfer reads from or writes to.
//
// # Access Guard
//
// A Guard owns two canonical roots, one for read requests and one for write
// requests. They may be the same directory:
//
//	guard, err := file.NewGuard(file.GuardConfig{
//	    SendDir:    "/srv/tftp",
//	    ReceiveDir: "/srv/tftp/incoming",
//	    Overwrite:  false,
//	})
//
//	f, size, err := guard.OpenRead("pxelinux.0")
//	w, path, err := guard.OpenWrite("config.bak")
//
// Filenames are resolved relative to the root. Empty names, absolute names,
// names containing a ".." component, and names whose symlinks resolve
// outside the root are refused with ErrAccessViolation before any file is
// touched. The guard never creates directories.
//
// # Error Mapping
//
// ErrorCodeFor converts the package errors to the TFTP error codes sent to
// the client:
//
//	ErrAccessViolation -> 2
//	ErrFileNotFound    -> 1
//	ErrFileExists      -> 6
//	ErrDiskFull        -> 3 (also for ENOSPC from the OS)
//
// # Streams
//
// BlockReader cuts a file into DATA payloads; the first short payload,
// possibly empty, ends the transfer. NetASCIIReader and NetASCIIWriter
// translate line endings for transfers in netascii mode. Checksum tees the
// bytes through BLAKE2b-256 so the completion log can identify the content.
//
// CheckSpace compares an announced upload size against the free space on
// the receiving volume using statfs where the platform supports it.
package file
