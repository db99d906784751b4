// Network-addressable in-memory key/value cache: a protocol engine
// speaking the memcache ascii and binary protocols over TCP, UDP, and
// UNIX-domain sockets, backed by the item store.
//
// One dispatcher accepts sockets and hands them round-robin to N
// workers; a connection is pinned to its worker for life.  The UDP
// socket is shared by all workers.
package server

import (
	"context"
	"net"
	"os"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/dropbox/godropbox/errors"
	"github.com/dropbox/godropbox/sync2"
	"github.com/dropbox/godropbox/time2"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/netutil"
	"golang.org/x/sys/unix"

	"github.com/dropbox/gomemcached/clock"
	"github.com/dropbox/gomemcached/stats"
	"github.com/dropbox/gomemcached/store"
)

type Server struct {
	settings Settings

	clock  *clock.Source
	store  *store.Store
	global *stats.Global
	conns  *connPool

	workers    []*worker
	nextWorker int // dispatcher-only round-robin cursor

	listeners []net.Listener
	udpSock   *net.UDPConn

	verbosityLevel sync2.AtomicInt32
	detailOn       sync2.AtomicInt32

	quit     chan struct{}
	quitOnce sync.Once
	wg       sync.WaitGroup
}

func New(settings Settings) *Server {
	source := clock.NewSource(time2.DefaultClock)
	global := stats.NewGlobal()

	s := &Server{
		settings: settings,
		clock:    source,
		store: store.New(source, global, store.Options{
			MaxBytes:         settings.MaxBytes,
			DisableEvictions: settings.DisableEvictions,
			DisableCas:       settings.DisableCas,
			GrowthFactor:     settings.GrowthFactor,
			ChunkSize:        settings.ChunkSize,
		}),
		global: global,
		conns:  newConnPool(itemListSize),
		quit:   make(chan struct{}),
	}
	s.setVerbosity(settings.Verbosity)
	if settings.DetailEnabled {
		s.detailOn.Set(1)
	}

	for i := 0; i < settings.NumWorkers; i++ {
		s.workers = append(s.workers, newWorker(i, s))
	}
	return s
}

// Store exposes the item store, mainly for tests and tooling.
func (s *Server) Store() *store.Store {
	return s.store
}

func (s *Server) verbose(level int) bool {
	return int(s.verbosityLevel.Get()) >= level
}

// setVerbosity adjusts both the protocol-visible verbosity level and
// the logger.
func (s *Server) setVerbosity(level int) {
	s.verbosityLevel.Set(int32(level))
	switch {
	case level <= 0:
		log.SetLevel(log.WarnLevel)
	case level == 1:
		log.SetLevel(log.InfoLevel)
	case level == 2:
		log.SetLevel(log.DebugLevel)
	default:
		log.SetLevel(log.TraceLevel)
	}
}

func (s *Server) verbosity() int {
	return int(s.verbosityLevel.Get())
}

func (s *Server) setDetailEnabled(on bool) {
	if on {
		s.detailOn.Set(1)
	} else {
		s.detailOn.Set(0)
	}
}

func (s *Server) detailEnabled() bool {
	return s.detailOn.Get() != 0
}

func (s *Server) workerStats() []*stats.Worker {
	all := make([]*stats.Worker, 0, len(s.workers))
	for _, w := range s.workers {
		all = append(all, w.stats)
	}
	return all
}

//
// Workers
//

// A worker owns the connections the dispatcher hands it and the stats
// those connections mutate.  The channel is the Go analogue of the
// classic pipe wakeup: the only cross-thread synchronisation on the
// I/O path.
type worker struct {
	id    int
	srv   *Server
	stats *stats.Worker

	incoming chan net.Conn
}

func newWorker(id int, srv *Server) *worker {
	return &worker{
		id:       id,
		srv:      srv,
		stats:    stats.NewWorker(),
		incoming: make(chan net.Conn, 16),
	}
}

func (w *worker) run() {
	defer w.srv.wg.Done()

	for {
		select {
		case sock := <-w.incoming:
			c := w.srv.newConn(sock, w)
			if w.srv.verbose(2) {
				log.Debugf("<%s new connection on worker %d",
					c.name(), w.id)
			}
			w.srv.wg.Add(1)
			go func() {
				defer w.srv.wg.Done()
				c.serve()
			}()
		case <-w.srv.quit:
			return
		}
	}
}

//
// Listener setup
//

// reuseAddr sets SO_REUSEADDR before bind, through the raw descriptor
// the way net2 manipulates socket options.
func reuseAddr(network, address string, rc syscall.RawConn) error {
	var serr error
	err := rc.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(
			int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return serr
}

func (s *Server) listenTCP() error {
	config := net.ListenConfig{Control: reuseAddr}

	addr := net.JoinHostPort(
		s.settings.Interface, strconv.Itoa(s.settings.TCPPort))
	l, err := config.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "Failed to listen on tcp %s", addr)
	}

	s.listeners = append(
		s.listeners, netutil.LimitListener(l, s.settings.MaxConns))
	return nil
}

func (s *Server) listenUnix() error {
	path := s.settings.UnixSocket

	// A stale socket file from a previous run blocks the bind.
	if _, err := os.Stat(path); err == nil {
		_ = os.Remove(path)
	}

	l, err := net.Listen("unix", path)
	if err != nil {
		return errors.Wrapf(err, "Failed to listen on unix socket %s", path)
	}
	if err := os.Chmod(path, s.settings.AccessMask); err != nil {
		_ = l.Close()
		return errors.Wrapf(err, "Failed to chmod unix socket %s", path)
	}

	s.listeners = append(
		s.listeners, netutil.LimitListener(l, s.settings.MaxConns))
	return nil
}

func (s *Server) listenUDP() error {
	addr := net.JoinHostPort(
		s.settings.Interface, strconv.Itoa(s.settings.UDPPort))
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return errors.Wrapf(err, "Failed to resolve udp %s", addr)
	}

	sock, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return errors.Wrapf(err, "Failed to listen on udp %s", addr)
	}

	maximizeSndbuf(sock)
	s.udpSock = sock
	return nil
}

// maximizeSndbuf grows SO_SNDBUF by binary search up to the kernel
// ceiling, so bursty multi-datagram replies do not drop.
func maximizeSndbuf(sock *net.UDPConn) {
	rc, err := sock.SyscallConn()
	if err != nil {
		return
	}

	_ = rc.Control(func(fd uintptr) {
		const maxSndbuf = 256 * 1024 * 1024

		old, err := unix.GetsockoptInt(
			int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF)
		if err != nil {
			return
		}

		min, max := old, maxSndbuf
		last := old
		for min <= max {
			avg := (min + max) / 2
			err := unix.SetsockoptInt(
				int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, avg)
			if err == nil {
				last = avg
				min = avg + 1
			} else {
				max = avg - 1
			}
		}

		log.Debugf("udp sndbuf grown %d -> %d", old, last)
	})
}

//
// Run / shutdown
//

// Run opens the configured transports and serves until Shutdown.  A
// UNIX socket path disables the network transports entirely.
func (s *Server) Run() error {
	if s.settings.UnixSocket != "" {
		if err := s.listenUnix(); err != nil {
			return err
		}
	} else {
		if s.settings.TCPPort != 0 {
			if err := s.listenTCP(); err != nil {
				return err
			}
		}
		if s.settings.UDPPort != 0 {
			if err := s.listenUDP(); err != nil {
				return err
			}
		}
	}
	if len(s.listeners) == 0 && s.udpSock == nil {
		return errors.New("No transports configured")
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.clock.Run()
	}()

	for _, w := range s.workers {
		s.wg.Add(1)
		go w.run()
	}

	if s.udpSock != nil {
		// Every worker reads the shared UDP socket; the kernel
		// distributes datagrams.
		for _, w := range s.workers {
			s.wg.Add(1)
			go w.runUDP()
		}
	}

	for _, l := range s.listeners {
		s.wg.Add(1)
		go s.acceptLoop(l)
	}

	<-s.quit
	return nil
}

// acceptLoop runs on the dispatcher; accepted sockets are tuned and
// handed to the next worker round-robin.
func (s *Server) acceptLoop(l net.Listener) {
	defer s.wg.Done()

	for {
		sock, err := l.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}

			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				// Out of descriptors or a transient kernel refusal:
				// back off instead of spinning, which also sheds
				// accept pressure the way disabling the event does.
				if s.verbose(1) {
					log.Infof("accept error, backing off: %v", err)
				}
				time.Sleep(100 * time.Millisecond)
				continue
			}

			log.Errorf("accept failed: %v", err)
			return
		}

		tuneSocket(sock)

		w := s.workers[s.nextWorker%len(s.workers)]
		s.nextWorker++
		w.incoming <- sock
	}
}

// tuneSocket applies the per-connection TCP options: keepalive, hard
// close on RST, and no Nagle delay.
func tuneSocket(sock net.Conn) {
	tcp, ok := sock.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tcp.SetKeepAlive(true)
	_ = tcp.SetLinger(0)
	_ = tcp.SetNoDelay(true)
}

// Shutdown stops accepting, closes the listeners and the UDP socket,
// and stops the clock.  It returns without waiting for any goroutine;
// already accepted client connections are not closed.
func (s *Server) Shutdown() {
	s.quitOnce.Do(func() {
		close(s.quit)
		for _, l := range s.listeners {
			_ = l.Close()
		}
		if s.udpSock != nil {
			_ = s.udpSock.Close()
		}
		s.clock.Stop()

		if s.settings.UnixSocket != "" {
			_ = os.Remove(s.settings.UnixSocket)
		}
	})
}
