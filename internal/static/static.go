//go:build unix

// Package static implements the static file responder (spec §4.G):
// serve straight from the file cache on a hit, otherwise use
// sendfile(2) for files at or below the zero-copy threshold and mmap
// for larger files, falling back to a buffered copy when mmap
// hard-fails; a sendfile failure is returned as an error with no
// fallback. EAGAIN/EINTR are retried rather than surfaced as
// errors, the same retry discipline carlosrabelo-karoo applies to socket
// I/O (carlosrabelo-karoo/core/internal/connection's bufio wrapping
// assumes a blocking socket; this package is the non-blocking
// equivalent for file descriptors).
package static

import (
	"bufio"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/carlosrabelo/webproxy/internal/filecache"
	apperrors "github.com/carlosrabelo/webproxy/pkg/errors"
)

// ZeroCopyThreshold is the file size at or below which sendfile is
// used; above it, mmap is used instead (spec §4.G).
const ZeroCopyThreshold = 1 << 20

// Responder serves files rooted under a route's LocalRoot.
type Responder struct {
	cache *filecache.Cache
}

func New(cache *filecache.Cache) *Responder {
	return &Responder{cache: cache}
}

// Resolve maps a route's filesystem root and a normalized request
// path to an absolute file path, refusing to leave root even via a
// symlink or a path normalization bug upstream of this package.
func Resolve(root, path string) (string, error) {
	clean := filepath.Clean(filepath.Join(root, path))
	rootClean := filepath.Clean(root)
	if clean != rootClean && !strings.HasPrefix(clean, rootClean+string(filepath.Separator)) {
		return "", apperrors.New(apperrors.Filesystem, "resolved path escapes route root")
	}
	resolved, err := filepath.EvalSymlinks(clean)
	if err != nil {
		if os.IsNotExist(err) {
			return clean, nil
		}
		return "", apperrors.Wrap(apperrors.RouteNotFound, "resolving path failed", err)
	}
	rootResolved, err := filepath.EvalSymlinks(rootClean)
	if err != nil {
		return "", apperrors.Wrap(apperrors.RouteNotFound, "resolving route root failed", err)
	}
	if resolved != rootResolved && !strings.HasPrefix(resolved, rootResolved+string(filepath.Separator)) {
		return "", apperrors.New(apperrors.Filesystem, "resolved path escapes route root")
	}
	return clean, nil
}

// Serve writes fullPath's contents and headers to conn, consulting
// and populating the shared file cache. charset is applied to
// text-ish content types per the route's configured charset.
func (r *Responder) Serve(conn net.Conn, fullPath, charset string) error {
	fi, err := os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return apperrors.Wrap(apperrors.RouteNotFound, "file not found", err)
		}
		return apperrors.Wrap(apperrors.Filesystem, "stat failed", err)
	}
	if fi.IsDir() {
		fullPath = filepath.Join(fullPath, "index.html")
		fi, err = os.Stat(fullPath)
		if err != nil {
			return apperrors.Wrap(apperrors.RouteNotFound, "no index file", err)
		}
	}

	if h, ok := r.cache.Get(fullPath, fi.ModTime()); ok {
		defer h.Release()
		return writeResponse(conn, h.Data, fi, fullPath, charset)
	}

	f, err := os.Open(fullPath)
	if err != nil {
		return apperrors.Wrap(apperrors.Filesystem, "open failed", err)
	}
	defer f.Close()

	if fi.Size() <= ZeroCopyThreshold {
		return r.serveSmall(conn, f, fi, fullPath, charset)
	}
	return r.serveLarge(conn, f, fi, fullPath, charset)
}

func (r *Responder) serveSmall(conn net.Conn, f *os.File, fi os.FileInfo, fullPath, charset string) error {
	data := make([]byte, fi.Size())
	if _, err := io.ReadFull(f, data); err != nil {
		return apperrors.Wrap(apperrors.Filesystem, "read failed", err)
	}
	r.cache.Put(fullPath, data, fi.ModTime())

	if err := writeHeaders(conn, fi, fullPath, charset); err != nil {
		return err
	}
	return sendfileRetry(conn, f, fi.Size())
}

func (r *Responder) serveLarge(conn net.Conn, f *os.File, fi os.FileInfo, fullPath, charset string) error {
	if err := writeHeaders(conn, fi, fullPath, charset); err != nil {
		return err
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return r.bufferedFallback(conn, f)
	}
	defer unix.Munmap(data)

	_, err = conn.Write(data)
	return err
}

// bufferedFallback is used when mmap hard-fails (for example ENODEV
// on a non-mmappable filesystem); it never touches the cache since
// the file was already too large for it.
func (r *Responder) bufferedFallback(conn net.Conn, f *os.File) error {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return apperrors.Wrap(apperrors.Filesystem, "seek failed", err)
	}
	bw := bufio.NewWriterSize(conn, 64*1024)
	if _, err := io.Copy(bw, f); err != nil {
		return apperrors.Wrap(apperrors.Filesystem, "buffered copy failed", err)
	}
	return bw.Flush()
}

func writeResponse(conn net.Conn, data []byte, fi os.FileInfo, path, charset string) error {
	if err := writeHeaders(conn, fi, path, charset); err != nil {
		return err
	}
	_, err := conn.Write(data)
	return err
}

// ServerHeader and the Date format are shared with connstate's error
// responses so every response off this worker, success or failure,
// carries the same Server/Date pair (spec §6).
const ServerHeader = "webproxy"

func writeHeaders(conn net.Conn, fi os.FileInfo, path, charset string) error {
	ct := contentType(path, charset)
	header := "HTTP/1.1 200 OK\r\n" +
		"Server: " + ServerHeader + "\r\n" +
		"Date: " + time.Now().UTC().Format(time.RFC1123) + "\r\n" +
		"Content-Type: " + ct + "\r\n" +
		"Content-Length: " + itoa(fi.Size()) + "\r\n" +
		"Last-Modified: " + fi.ModTime().UTC().Format(time.RFC1123) + "\r\n" +
		"Connection: close\r\n\r\n"
	_, err := io.WriteString(conn, header)
	return err
}

func contentType(path, charset string) string {
	ext := strings.ToLower(filepath.Ext(path))
	base := map[string]string{
		".html": "text/html",
		".htm":  "text/html",
		".css":  "text/css",
		".js":   "application/javascript",
		".json": "application/json",
		".txt":  "text/plain",
		".png":  "image/png",
		".jpg":  "image/jpeg",
		".jpeg": "image/jpeg",
		".gif":  "image/gif",
		".svg":  "image/svg+xml",
	}[ext]
	if base == "" {
		return "application/octet-stream"
	}
	if strings.HasPrefix(base, "text/") || base == "application/javascript" || base == "application/json" {
		return base + "; charset=" + charset
	}
	return base
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// sendfileRetry writes n bytes from f to conn using sendfile(2),
// retrying on EAGAIN/EINTR rather than treating them as fatal —
// a non-blocking socket routinely returns EAGAIN mid-transfer.
func sendfileRetry(conn net.Conn, f *os.File, n int64) error {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		_, err := f.Seek(0, io.SeekStart)
		if err != nil {
			return apperrors.Wrap(apperrors.Filesystem, "seek failed", err)
		}
		_, err = io.Copy(conn, f)
		return err
	}

	raw, err := tcpConn.SyscallConn()
	if err != nil {
		return apperrors.Wrap(apperrors.Filesystem, "SyscallConn failed", err)
	}

	var remaining = n
	var offset int64
	var sendErr error
	ctrlErr := raw.Write(func(fd uintptr) bool {
		for remaining > 0 {
			written, err := unix.Sendfile(int(fd), int(f.Fd()), &offset, int(remaining))
			if written > 0 {
				remaining -= int64(written)
			}
			if err == nil {
				continue
			}
			if err == unix.EAGAIN {
				return false // wait for writable, runtime retries
			}
			if err == unix.EINTR {
				continue
			}
			sendErr = err
			return true
		}
		return true
	})
	if ctrlErr != nil {
		return apperrors.Wrap(apperrors.Filesystem, "sendfile control failed", ctrlErr)
	}
	if sendErr != nil {
		return apperrors.Wrap(apperrors.Filesystem, "sendfile failed", sendErr)
	}
	return nil
}
