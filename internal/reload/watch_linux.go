//go:build linux

package reload

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"unsafe"
)

// Linux inotify event flag constants (kernel ABI — never change).
const (
	inCloseWrite uint32 = 0x8    // IN_CLOSE_WRITE: writable file closed
	inMovedTo    uint32 = 0x80   // IN_MOVED_TO: file moved into watched dir
	inDelete     uint32 = 0x200  // IN_DELETE: file/dir deleted from watched dir
	inMoveSelf   uint32 = 0x800  // IN_MOVE_SELF: watched file itself was moved
	inDeleteSelf uint32 = 0x400  // IN_DELETE_SELF: watched file itself was deleted
	inQOverflow  uint32 = 0x4000 // IN_Q_OVERFLOW: event queue overflowed
)

const inotifyCloexec = 0x80000 // IN_CLOEXEC

// dirMask watches the containing directory so we catch the common
// editor pattern of write-to-tempfile-then-rename, which replaces the
// watched file's inode and would otherwise orphan a direct file watch.
const dirMask uint32 = inCloseWrite | inMovedTo | inDelete

var inotifyEventSize = int(unsafe.Sizeof(syscall.InotifyEvent{}))

// inotifyWatcher monitors the directory containing a single policy file
// using the Linux inotify API and signals changed() whenever an event
// affecting that file's basename is observed.
type inotifyWatcher struct {
	dir      string
	base     string
	logger   *slog.Logger
	fd       int
	pipeR    int
	pipeW    int
	events   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newPlatformWatcher(path string, logger *slog.Logger) (platformWatcher, error) {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	fd, err := syscall.InotifyInit1(inotifyCloexec)
	if err != nil {
		return nil, fmt.Errorf("inotify: InotifyInit1: %w", err)
	}

	var pipeFds [2]int
	if err := syscall.Pipe2(pipeFds[:], syscall.O_CLOEXEC); err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("inotify: pipe2: %w", err)
	}

	if _, err := syscall.InotifyAddWatch(fd, dir, dirMask); err != nil {
		syscall.Close(fd)
		syscall.Close(pipeFds[0])
		syscall.Close(pipeFds[1])
		return nil, fmt.Errorf("inotify: InotifyAddWatch %q: %w", dir, err)
	}

	return &inotifyWatcher{
		dir:    dir,
		base:   base,
		logger: logger,
		fd:     fd,
		pipeR:  pipeFds[0],
		pipeW:  pipeFds[1],
		events: make(chan struct{}, 1),
	}, nil
}

func (w *inotifyWatcher) start(_ context.Context) error {
	w.wg.Add(1)
	go w.run()
	return nil
}

func (w *inotifyWatcher) stop() {
	w.stopOnce.Do(func() {
		syscall.Write(w.pipeW, []byte{0}) //nolint:errcheck
		w.wg.Wait()
		syscall.Close(w.pipeW)
		syscall.Close(w.pipeR)
		syscall.Close(w.fd)
		close(w.events)
	})
}

func (w *inotifyWatcher) changed() <-chan struct{} {
	return w.events
}

func (w *inotifyWatcher) run() {
	defer w.wg.Done()

	const bufSize = 64 * (16 + 256)
	buf := make([]byte, bufSize)

	pollFds := []syscall.PollFd{
		{Fd: int32(w.fd), Events: syscall.POLLIN},
		{Fd: int32(w.pipeR), Events: syscall.POLLIN},
	}

	for {
		_, err := syscall.Poll(pollFds, -1)
		if err != nil {
			if err == syscall.EINTR {
				continue
			}
			w.logger.Warn("reload: poll error", slog.Any("error", err))
			return
		}

		if pollFds[1].Revents&syscall.POLLIN != 0 {
			return
		}
		if pollFds[0].Revents&syscall.POLLIN == 0 {
			continue
		}

		n, err := syscall.Read(w.fd, buf)
		if err != nil {
			w.logger.Warn("reload: read error", slog.Any("error", err))
			return
		}

		w.parseAndSignal(buf[:n])
	}
}

func (w *inotifyWatcher) parseAndSignal(buf []byte) {
	evSize := inotifyEventSize
	for offset := 0; offset+evSize <= len(buf); {
		ev := (*syscall.InotifyEvent)(unsafe.Pointer(&buf[offset]))
		offset += evSize

		var name string
		if ev.Len > 0 {
			if offset+int(ev.Len) > len(buf) {
				break
			}
			nameBytes := buf[offset : offset+int(ev.Len)]
			name = strings.TrimRight(string(nameBytes), "\x00")
			offset += int(ev.Len)
		}

		if ev.Mask&inQOverflow != 0 {
			w.logger.Warn("reload: inotify event queue overflowed; triggering reload defensively")
			w.signal()
			continue
		}

		if ev.Mask&(inMoveSelf|inDeleteSelf) != 0 {
			w.signal()
			continue
		}

		if name != w.base {
			continue
		}
		if ev.Mask&(inCloseWrite|inMovedTo|inDelete) != 0 {
			w.signal()
		}
	}
}

func (w *inotifyWatcher) signal() {
	select {
	case w.events <- struct{}{}:
	default:
		// A reload is already pending; coalesce.
	}
}
