/*
Package archive is the payload format of workspace home archives: a zstd
compressed tarball plus a tiny commit marker carrying the sha256 of the
compressed stream. The marker is written only after the payload upload
succeeds, which makes its presence the atomic commit signal the observer
waits for.
*/
package archive
